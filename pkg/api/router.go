package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/urmzd/licd/pkg/api/handlers"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/device/schema"
)

// Router holds the Gin engine and dependencies
type Router struct {
	engine     *gin.Engine
	controller device.Controller
	subscriber device.EventSubscriber
	settings   handlers.SettingsService
	history    handlers.HistoryService
	validator  *schema.Validator
	metrics    http.Handler
}

// NewRouter creates a new API router. settings, history and metrics may be
// nil, in which case their routes are not registered.
func NewRouter(controller device.Controller, subscriber device.EventSubscriber, settings handlers.SettingsService, history handlers.HistoryService, validator *schema.Validator, metrics http.Handler) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	SetupMiddleware(engine)

	if validator == nil {
		validator = schema.NewValidator()
	}

	router := &Router{
		engine:     engine,
		controller: controller,
		subscriber: subscriber,
		settings:   settings,
		history:    history,
		validator:  validator,
		metrics:    metrics,
	}

	router.setupRoutes()

	return router
}

// setupRoutes configures all API routes
func (r *Router) setupRoutes() {
	// Swagger UI
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.engine.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})

	// Health check at root
	healthHandler := handlers.NewHealthHandler(r.controller)
	r.engine.GET("/health", healthHandler.Health)

	if r.metrics != nil {
		r.engine.GET("/metrics", gin.WrapH(r.metrics))
	}

	// API v1 routes
	v1 := r.engine.Group("/api/v1")
	{
		// Health
		v1.GET("/health", healthHandler.Health)

		// Discovery
		discoveryHandler := handlers.NewDiscoveryHandler(r.controller, r.subscriber)
		discovery := v1.Group("/discovery")
		{
			discovery.POST("/poll", discoveryHandler.Poll)
			discovery.GET("/events", discoveryHandler.Events)
			if r.history != nil {
				discovery.GET("/history", handlers.NewHistoryHandler(r.history).ListHistory)
			}
		}

		// Devices
		devicesHandler := handlers.NewDevicesHandler(r.controller)
		devices := v1.Group("/devices")
		{
			devices.GET("", devicesHandler.ListDevices)
			devices.GET("/:id", devicesHandler.GetDevice)
			devices.DELETE("/:id", devicesHandler.RemoveDevice)
		}

		// Bus tuning
		if r.settings != nil {
			settingsHandler := handlers.NewSettingsHandler(r.settings, r.validator)
			bus := v1.Group("/bus")
			{
				bus.GET("/settings", settingsHandler.GetSettings)
				bus.PATCH("/settings", settingsHandler.UpdateSettings)
			}
		}
	}
}

// Handler returns the router as an http.Handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Run starts the HTTP server
func (r *Router) Run(addr string) error {
	return r.engine.Run(addr)
}
