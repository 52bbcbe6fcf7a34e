package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/consult-core/internal/handler"
	"github.com/jwalitptl/consult-core/internal/handler/prometheus"
	"github.com/jwalitptl/consult-core/internal/middleware"
	"github.com/jwalitptl/consult-core/internal/model"
)

// AdminRegistrar is a handler that also exposes admin-only routes.
type AdminRegistrar interface {
	handler.Registrar
	RegisterAdminRoutes(*gin.RouterGroup)
}

type Handlers struct {
	Health       handler.Registrar
	Consultation handler.Registrar
	Safety       handler.Registrar
	Audit        handler.Registrar
	SLA          AdminRegistrar
}

type RouterConfig struct {
	RateLimit   rate.Limit
	RateBurst   int
	Timeout     time.Duration
	MaxBodySize int64
	Logger      zerolog.Logger
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	handlers Handlers
	metrics  *prometheus.Handler
	limiter  *middleware.RateLimiter
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	handlers Handlers,
	metrics *prometheus.Handler,
	config RouterConfig,
) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()

	if config.MaxBodySize <= 0 {
		config.MaxBodySize = middleware.DefaultMaxBodySize
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  config.RateLimit,
		Burst: config.RateBurst,
	})

	r := &Router{
		engine:   engine,
		auth:     auth,
		handlers: handlers,
		metrics:  metrics,
		limiter:  limiter,
	}

	// Recovery sits inside the logger so a panic is logged as a 500.
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(config.Logger),
		middleware.Recovery(config.Logger),
		middleware.ErrorHandler(),
		metrics.Middleware(),
		middleware.SecurityHeaders(),
		middleware.SizeLimit(config.MaxBodySize),
		middleware.Timeout(config.Timeout),
	)

	return r
}

func (r *Router) Setup() {
	r.engine.GET("/metrics", r.metrics.Handler())

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	r.handlers.Health.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(
		r.auth.Authenticate(),
		r.limiter.RateLimit(),
		middleware.AccessJustification(),
	)
	r.setupProtectedRoutes(protected)
}

func (r *Router) setupProtectedRoutes(rg *gin.RouterGroup) {
	r.handlers.Consultation.RegisterRoutes(rg)
	r.handlers.Safety.RegisterRoutes(rg)
	r.handlers.SLA.RegisterRoutes(rg)

	compliance := rg.Group("")
	compliance.Use(r.auth.RequireRole(model.RoleComplianceOfficer))
	r.handlers.Audit.RegisterRoutes(compliance)

	admin := rg.Group("/admin")
	admin.Use(r.auth.RequireRole(model.RoleAdmin))
	r.handlers.SLA.RegisterAdminRoutes(admin)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
