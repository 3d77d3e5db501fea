package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/config"
	"github.com/flexa/flexa-android-sub000/internal/http/handler"
	"github.com/flexa/flexa-android-sub000/internal/http/middleware"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
)

// NewRouter wires the host bridge routes and middleware.
func NewRouter(cfg config.Config, bridge *handler.BridgeHandler, metrics *telemetry.Metrics, limiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(limiter.Handler())
	r.Use(middleware.BridgeCORS(cfg.BridgeAllowedOrigins))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", bridge.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	v1 := r.Group("/v1", middleware.BridgeAuth(cfg.BridgeToken))
	{
		v1.GET("/session", bridge.Session)
		v1.POST("/sessions", bridge.CreateSession)

		current := v1.Group("/session")
		{
			current.POST("/close", bridge.CloseSession)
			current.POST("/cancel", bridge.CancelSession)
			current.POST("/keep-waiting", bridge.KeepWaiting)
			current.PUT("/asset", bridge.SelectAsset)
			current.POST("/confirm", bridge.ConfirmTransaction)
		}

		v1.POST("/watch", bridge.StartWatching)
		v1.DELETE("/watch", bridge.StopWatching)

		account := v1.Group("/account")
		{
			account.GET("", bridge.Account)
			account.DELETE("", bridge.DeleteAccount)
			account.PUT("/balance", bridge.SetBalance)
			account.PUT("/app_accounts", bridge.SyncAppAccounts)
		}
		v1.GET("/can-spend", bridge.CanSpend)

		login := v1.Group("/login")
		{
			login.POST("", bridge.Login)
			login.POST("/verify", bridge.Verify)
			login.DELETE("", bridge.Logout)
		}

		v1.GET("/assets", bridge.Assets)
		v1.GET("/assets/:id", bridge.Asset)
		v1.GET("/brands", bridge.Brands)
		v1.GET("/brands/pinned", bridge.PinnedBrands)
		v1.PUT("/brands/pinned", bridge.SetPinnedBrands)
		v1.POST("/quotes", bridge.Quote)

		v1.GET("/errors/last", bridge.LastError)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Unknown bridge route."})
	})

	return r
}
