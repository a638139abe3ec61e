package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/docs"
	"github.com/fatflowers/memberledger/internal/app/api/handlers"
	mw "github.com/fatflowers/memberledger/internal/app/api/middleware"
	"github.com/fatflowers/memberledger/internal/app/service/auth"
	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/checkout"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/app/service/refund"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/app/service/webhook"
	cfgpkg "github.com/fatflowers/memberledger/pkg/config"
	metrics "github.com/fatflowers/memberledger/pkg/metrics"
	"github.com/fatflowers/memberledger/pkg/types"
)

type RouteParams struct {
	fx.In

	Log        *zap.SugaredLogger
	Config     *cfgpkg.Config
	DB         *gorm.DB
	Tokens     *auth.TokenManager
	Users      *user.Service
	Catalog    *catalog.Service
	Points     *points.Service
	Membership *membership.Service
	Checkout   *checkout.Service
	Orders     *order.Service
	Refunds    *refund.Service
	Webhooks   *webhook.Service
}

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

func registerRoutes(r *gin.Engine, p RouteParams) {
	log, cfg := p.Log, p.Config
	if cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return "unmatched"
			},
			Logger: log,
		})
		prom.SetListenAddress(cfg.MetricsAddr)
		prom.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterHealthRoutes(pub, p.DB)
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	handlers.RegisterWebhookRoutes(pub, p.Webhooks, log)

	limiter := mw.RateLimit(cfg.Checkout.RatePerMinute, cfg.Checkout.Burst)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware(log))
	handlers.RegisterCheckoutRoutes(apiV1, p.Checkout, p.Tokens, log, limiter)

	authed := apiV1.Group("")
	authed.Use(mw.Auth(p.Tokens, p.Users, log))
	handlers.RegisterOrderRoutes(apiV1, authed, p.Orders, limiter)
	handlers.RegisterPointsRoutes(authed, p.Points, p.Orders)
	handlers.RegisterMembershipRoutes(authed, p.Membership)

	admin := authed.Group("/admin")
	admin.Use(mw.RequireRole(types.UserRoleAdmin))
	handlers.RegisterAdminRoutes(admin, handlers.AdminDeps{
		Refunds: p.Refunds,
		Orders:  p.Orders,
		Users:   p.Users,
		Catalog: p.Catalog,
	})
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
