package eventhub

import (
	"context"
	"net/http"
	"strconv"

	"xpos/internal/localstore"
	"xpos/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// StatusSource reports the local queue.
type StatusSource interface {
	Stats(ctx context.Context) (*localstore.Stats, error)
}

// Deps are the kiosk components the local API reads from. Online and
// RequestSync may be nil when the engine is not running.
type Deps struct {
	Hub         *Hub
	Store       StatusSource
	Online      func() bool
	RequestSync func(full bool)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Online  bool              `json:"online"`
	Screens int               `json:"screens"`
	Queue   *localstore.Stats `json:"queue"`
}

// NewRouter builds the loopback API POS screens use:
//
//	GET  /events       websocket stream of sync events
//	GET  /status       queue counters and connectivity
//	POST /sync?full=1  ask the engine for a sync now
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.CORS())

	r.GET("/events", func(c *gin.Context) {
		d.Hub.Serve(c.Writer, c.Request)
	})

	r.GET("/status", func(c *gin.Context) {
		st, err := d.Store.Stats(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Msg("eventhub: read stats")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "local store unavailable"})
			return
		}
		resp := StatusResponse{Screens: d.Hub.Clients(), Queue: st}
		if d.Online != nil {
			resp.Online = d.Online()
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/sync", func(c *gin.Context) {
		if d.RequestSync == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "sync engine not running"})
			return
		}
		full, _ := strconv.ParseBool(c.Query("full"))
		d.RequestSync(full)
		c.JSON(http.StatusAccepted, gin.H{"requested": true, "full": full})
	})

	return r
}
