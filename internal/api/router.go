package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"stayuptodo-laundry/internal/mw"
	"stayuptodo-laundry/internal/registry"
)

// EventSource publishes registry changes; the router flushes its response
// cache on each one.
type EventSource interface {
	Subscribe(fn func(registry.Event))
}

// RouterConfig holds the HTTP middleware settings.
type RouterConfig struct {
	RateLimitPerSec float64
	RateLimitBurst  int
	RequestIPHeader string
	CacheTTL        time.Duration
	AllowedOrigins  []string
}

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, events EventSource, cfg RouterConfig, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	// CORS sits on the engine so preflight requests reach it without a route.
	r.Use(gin.Recovery(), mw.Observe(logger), mw.CORS(cfg.AllowedOrigins))

	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}

	rateLimiter := mw.RateLimiter(mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, 10*time.Minute), cfg.RequestIPHeader)

	cacheStore := cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	caching := mw.Cache(cacheStore, cfg.CacheTTL)
	if events != nil {
		events.Subscribe(func(registry.Event) { cacheStore.Flush() })
	}

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API group
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/machines", caching, h.ListMachines)
		api.POST("/machines", h.CreateMachine)
		api.POST("/machines/initialize", h.InitializeMachines)
		api.GET("/machines/:id", caching, h.GetMachine)
		api.DELETE("/machines/:id", h.DeleteMachine)
		api.PUT("/machines/:id/status", h.UpdateStatus)
		api.PATCH("/machines/:id/time", h.UpdateTime)
		api.PUT("/machines/:id/telegram", h.SetTelegram)
		api.DELETE("/machines/:id/telegram", h.ClearTelegram)
		api.GET("/machines/:id/history", caching, h.GetHistory)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
