package handlers

import (
	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/publisher"
	"callisto_daemon/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// LiveFeed hands out subscriptions to the live publisher topics.
type LiveFeed interface {
	Subscribe(topic string) (*publisher.Subscription, error)
}

type Options struct {
	AuthEnabled bool
}

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	live     LiveFeed
	opts     Options
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies. live may be
// nil when the publisher is disabled.
func NewHandler(services *service.Service, live LiveFeed, opts Options, log *logger.Logger) *Handler {
	return &Handler{services: services, live: live, opts: opts, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	router.GET("/health", h.health)

	h.registerAuthRoutes(router)
	h.registerAPIRoutes(router)

	ws := router.Group("/ws", h.protected()...)
	{
		ws.GET("/status", h.wsStatus)
		ws.GET("/live", h.wsLive)
	}

	return router
}

// protected returns the auth middleware chain when auth is enabled.
func (h *Handler) protected() []gin.HandlerFunc {
	if !h.opts.AuthEnabled {
		return nil
	}
	return []gin.HandlerFunc{h.userIdMiddleware}
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.protected()...)
	{
		h.registerDaemonRoutes(api)
		h.registerLogRoutes(api)
	}
}

func (h *Handler) registerDaemonRoutes(api *gin.RouterGroup) {
	daemon := api.Group("/daemon")
	{
		daemon.GET("/status", h.getStatus)
		// Body example: {"mode":3,"focus_code":59}
		daemon.POST("/mode", h.setMode)
		daemon.POST("/focus", h.setFocus)
		daemon.POST("/format", h.setFormat)
		daemon.POST("/reload", h.reloadSchedule)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}
