// Package server exposes the billing engine over HTTP: the invoice
// ledger, subscription lifecycle, payment plans, chargebacks and the
// provider webhook endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	chargebackdomain "github.com/smallbiznis/ledgerline/internal/chargeback/domain"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	dunningdomain "github.com/smallbiznis/ledgerline/internal/dunning/domain"
	exchangeratedomain "github.com/smallbiznis/ledgerline/internal/exchangerate/domain"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	paymentservice "github.com/smallbiznis/ledgerline/internal/payment/service"
	plandomain "github.com/smallbiznis/ledgerline/internal/paymentplan/domain"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
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

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	genID  *snowflake.Node
	clock  clock.Clock

	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	dunningSvc      dunningdomain.Service
	chargebackSvc   chargebackdomain.Service
	planSvc         plandomain.Service
	rateSvc         exchangeratedomain.Service
	webhookSvc      *paymentservice.WebhookService
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	GenID *snowflake.Node
	Clock clock.Clock

	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	DunningSvc      dunningdomain.Service
	ChargebackSvc   chargebackdomain.Service
	PlanSvc         plandomain.Service
	RateSvc         exchangeratedomain.Service
	WebhookSvc      *paymentservice.WebhookService
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine: p.Gin,
		cfg:    p.Cfg,
		genID:  p.GenID,
		clock:  p.Clock,

		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		dunningSvc:      p.DunningSvc,
		chargebackSvc:   p.ChargebackSvc,
		planSvc:         p.PlanSvc,
		rateSvc:         p.RateSvc,
		webhookSvc:      p.WebhookSvc,
	}

	s.registerWebhookRoutes()
	s.registerAPIRoutes()

	return s
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/invoices", s.CreateInvoice)
	v1.GET("/invoices", s.ListInvoices)
	v1.GET("/invoices/:id", s.GetInvoice)
	v1.GET("/invoices/:id/audit", s.ListInvoiceAuditEntries)
	v1.GET("/invoices/:id/chargebacks", s.ListInvoiceChargebacks)
	v1.POST("/invoices/:id/pay", s.MarkInvoicePaid)
	v1.POST("/invoices/:id/void", s.VoidInvoice)
	v1.POST("/invoices/:id/refund", s.RefundInvoice)

	v1.POST("/subscriptions", s.CreateSubscription)
	v1.GET("/subscriptions/:id", s.GetSubscription)
	v1.GET("/subscriptions/:id/dunning", s.GetSubscriptionDunning)
	v1.POST("/subscriptions/:id/change-plan", s.ChangeSubscriptionPlan)
	v1.POST("/subscriptions/:id/cancel", s.CancelSubscription)

	v1.POST("/payment-plans", s.CreatePaymentPlan)
	v1.GET("/payment-plans/:id", s.GetPaymentPlan)
	v1.POST("/payment-plans/:id/cancel", s.CancelPaymentPlan)

	v1.GET("/chargebacks/:id", s.GetChargeback)
	v1.POST("/chargebacks/:id/evidence", s.SubmitChargebackEvidence)
	v1.POST("/chargebacks/:id/resolve", s.ResolveChargeback)

	v1.GET("/rates", s.GetExchangeRate)
}
