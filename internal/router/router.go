package router

import (
	"time"

	"xpos/internal/config"
	"xpos/internal/handler"
	"xpos/internal/infra"
	"xpos/internal/middleware"
	"xpos/internal/repository"
	"xpos/internal/service"
	"xpos/internal/worker"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Pipeline is the fiscal job machinery owned by the composition root.
// Services enqueue through Dispatcher and run synchronous printer calls
// inside Lanes.
type Pipeline struct {
	Queue      worker.Queue
	Dispatcher *worker.Dispatcher
	Lanes      *worker.LanePool
	Breakers   *infra.BreakerSet
}

// New wires all dependencies and returns a configured Gin engine.
// Dependency graph: Handler ← Service ← Repository ← DB/Redis
// rdb may be nil; the fiscal config cache is then disabled.
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client, p Pipeline) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Global middleware chain (order matters)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.RateLimiter(1000, time.Minute)) // 1000 req/min per IP

	// ── Repositories ─────────────────────────────────────────────────────────
	deviceRepo := repository.NewDeviceRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	saleRepo := repository.NewSaleRepository(db)
	jobRepo := repository.NewFiscalJobRepository(db)
	configRepo := repository.NewCachedFiscalConfigRepository(
		repository.NewFiscalConfigRepository(db), rdb, cfg.FiscalConfigCacheTTL())

	// ── Services ─────────────────────────────────────────────────────────────
	deviceSvc := service.NewDeviceService(deviceRepo, cfg)
	var notifier service.FiscalNotifier
	if p.Dispatcher != nil {
		notifier = p.Dispatcher
	}
	var lanes service.LaneRunner
	if p.Lanes != nil {
		lanes = p.Lanes
	}
	reconSvc := service.NewReconciliationService(saleRepo, catalogRepo, configRepo, jobRepo, notifier, cfg)
	fiscalSvc := service.NewFiscalService(jobRepo, saleRepo, configRepo, notifier, lanes, p.Queue, nil, cfg)

	// ── Handlers ─────────────────────────────────────────────────────────────
	devicesH := handler.NewDevicesHandler(deviceSvc)
	syncH := handler.NewSyncHandler(reconSvc)
	fiscalH := handler.NewFiscalHandler(fiscalSvc)

	// ── Routes ───────────────────────────────────────────────────────────────

	// Public
	r.GET("/health", handler.Health(db, rdb, p.Breakers))

	devices := r.Group("/v1/devices")
	{
		devices.POST("/register", middleware.CredentialRateLimiter(), middleware.EnrollmentAuth(cfg.JWTSecret), devicesH.Register)
		devices.POST("/token", middleware.CredentialRateLimiter(), devicesH.Token)
		devices.POST("/heartbeat", middleware.DeviceAuth(cfg.JWTSecret), devicesH.Heartbeat)
	}

	// Device-token routes
	v1 := r.Group("/v1", middleware.DeviceAuth(cfg.JWTSecret))
	{
		sync := v1.Group("/sync")
		{
			sync.GET("/delta", syncH.Delta)
			sync.POST("/sales", syncH.UploadSales)
		}

		fiscal := v1.Group("/fiscal")
		{
			fiscal.GET("/config", fiscalH.Config)
			fiscal.GET("/shift", fiscalH.Shift)
			fiscal.POST("/jobs", fiscalH.SubmitJob)
			fiscal.GET("/jobs", fiscalH.ListJobs)
			fiscal.GET("/jobs/:id", fiscalH.GetJob)
			fiscal.POST("/jobs/:id/retry", fiscalH.RetryJob)
			fiscal.GET("/dlq/size", fiscalH.DLQSize)
		}
	}

	// Swagger UI, only outside production
	if cfg.Env != "production" {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	return r
}
