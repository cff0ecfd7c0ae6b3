package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/lemonsync/internal/audit"
	auditdomain "github.com/smallbiznis/lemonsync/internal/audit/domain"
	"github.com/smallbiznis/lemonsync/internal/authorization"
	"github.com/smallbiznis/lemonsync/internal/checkout"
	checkoutdomain "github.com/smallbiznis/lemonsync/internal/checkout/domain"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/customer"
	"github.com/smallbiznis/lemonsync/internal/events"
	"github.com/smallbiznis/lemonsync/internal/exchangerate"
	"github.com/smallbiznis/lemonsync/internal/ledger"
	"github.com/smallbiznis/lemonsync/internal/lemonsqueezy"
	obsmiddleware "github.com/smallbiznis/lemonsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/lemonsync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/lemonsync/internal/observability/tracing"
	"github.com/smallbiznis/lemonsync/internal/order"
	"github.com/smallbiznis/lemonsync/internal/ratelimit"
	"github.com/smallbiznis/lemonsync/internal/settlement"
	"github.com/smallbiznis/lemonsync/internal/subscription"
	"github.com/smallbiznis/lemonsync/internal/trustanchor"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
	"github.com/smallbiznis/lemonsync/internal/webhook/gateway"
	"github.com/smallbiznis/lemonsync/internal/webhook/signature"
	"github.com/smallbiznis/lemonsync/internal/webhooklog"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	events.Module,
	ratelimit.Module,
	lemonsqueezy.Module,
	trustanchor.Module,
	customer.Module,
	exchangerate.Module,
	ledger.Module,
	settlement.Module,
	subscription.Module,
	order.Module,
	checkout.Module,
	webhooklog.Module,
	signature.Module,
	gateway.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           cfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// WebhookHandler runs one authenticated-by-signature delivery.
type WebhookHandler interface {
	Handle(ctx context.Context, body []byte, claimedSignature string) gateway.Response
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	webhooks    WebhookHandler
	guard       *ratelimit.WebhookGuard
	checkoutSvc checkoutdomain.Service
	anchorSvc   anchordomain.Service
	auditSvc    auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Gateway     *gateway.Gateway
	Guard       *ratelimit.WebhookGuard `optional:"true"`
	CheckoutSvc checkoutdomain.Service
	AnchorSvc   anchordomain.Service
	AuditSvc    auditdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		webhooks:    p.Gateway,
		guard:       p.Guard,
		checkoutSvc: p.CheckoutSvc,
		anchorSvc:   p.AnchorSvc,
		auditSvc:    p.AuditSvc,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/api/webhooks")
	hooks.POST("/lemonsqueezy", s.guard.Middleware(), s.WebhookSession(), s.HandleLemonSqueezyWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AdminTokenRequired())

	api.POST("/checkouts", s.CreateCheckout)
	api.GET("/subscriptions/:id/portal", s.GetSubscriptionPortal)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminTokenRequired())

	admin.GET("/settings", s.ListSettings)
	admin.POST("/settings", s.UpsertSettings)
	admin.POST("/settings/:id/test", s.TestSettings)

	admin.GET("/audit-logs", s.ListAuditLogs)
}
