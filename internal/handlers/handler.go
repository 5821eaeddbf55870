package handlers

import (
	"net/http"
	"time"

	"optical_bench/internal/logger"
	"optical_bench/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services   *service.Service
	log        *logger.Logger
	metrics    http.Handler
	writeWait  time.Duration
	pingPeriod time.Duration
}

type Option func(*Handler)

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(hd *Handler) { hd.metrics = h }
}

// WithWebsocketTiming overrides the websocket write deadline and ping period.
func WithWebsocketTiming(writeWait, pingPeriod time.Duration) Option {
	return func(hd *Handler) {
		if writeWait > 0 {
			hd.writeWait = writeWait
		}
		if pingPeriod > 0 {
			hd.pingPeriod = pingPeriod
		}
	}
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger, opts ...Option) *Handler {
	h := &Handler{
		services:   services,
		log:        log,
		writeWait:  defaultWriteWait,
		pingPeriod: defaultPingPeriod,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestIDMiddleware, h.accessLogMiddleware)

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health endpoint
	router.GET("/health", h.health)

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	// Versioned API endpoints
	h.registerAPIRoutes(router)

	// Live streams over WebSocket, same port
	ws := router.Group("/ws")
	{
		ws.GET("/telemetry", h.wsTelemetry)
		ws.GET("/logs", h.wsLogs)
	}

	return router
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		h.registerBenchRoutes(api)
		h.registerExposureRoutes(api)
		h.registerLogRoutes(api)
	}
}

func (h *Handler) registerBenchRoutes(api *gin.RouterGroup) {
	bench := api.Group("/bench")
	{
		bench.POST("/connect", h.connect)
		bench.POST("/disconnect", h.disconnect)
		// Body example: {"on":true,"power_mw":100}
		bench.POST("/laser", h.setLaser)
		// Body example: {"kind":"calibration"}
		bench.POST("/experiment/start", h.startExperiment)
		bench.POST("/experiment/stop", h.stopExperiment)
		bench.GET("/experiment/parameters", h.experimentParameters)
		bench.GET("/state", h.getState)
		bench.GET("/history", h.getHistory)
	}
}

func (h *Handler) registerExposureRoutes(api *gin.RouterGroup) {
	exposure := api.Group("/exposure")
	{
		// Body example: {"duration_s":60,"power_mw":100}
		exposure.POST("/start", h.startExposure)
		exposure.POST("/stop", h.stopExposure)
		exposure.POST("/reset", h.resetExposure)
	}
	api.POST("/emergency-stop", h.emergencyStop)
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("", h.getLogs)
	}
}
