package handler

import (
	"context"
	"net/http"
	"time"

	"xpos/internal/infra"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthResponse struct {
	OK         bool              `json:"ok"`
	DB         string            `json:"db"`
	Redis      string            `json:"redis"`
	ServerTime time.Time         `json:"server_time"`
	Printers   map[string]string `json:"printers,omitempty"`
}

// Health godoc
// @Summary      Liveness of postgres, redis and the printer lanes
// @Description  503 when postgres or a configured redis does not answer. Open printer breakers are reported but do not fail the check.
// @Tags         health
// @Produce      json
// @Success      200  {object}  HealthResponse
// @Failure      503  {object}  HealthResponse
// @Router       /health [get]
func Health(db *gorm.DB, rdb *redis.Client, breakers *infra.BreakerSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		resp := HealthResponse{DB: "connected", Redis: "disabled", ServerTime: time.Now().UTC()}
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			resp.DB = "error"
		}
		// nil with the in-process queue
		if rdb != nil {
			resp.Redis = "connected"
			if rdb.Ping(ctx).Err() != nil {
				resp.Redis = "error"
			}
		}
		if breakers != nil {
			resp.Printers = breakers.States()
		}

		resp.OK = resp.DB == "connected" && resp.Redis != "error"
		status := http.StatusOK
		if !resp.OK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, resp)
	}
}
