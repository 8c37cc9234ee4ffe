package payment

import (
	"github.com/smallbiznis/ledgerline/internal/config"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters/banktransfer"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters/paystack"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters/stripe"
	"github.com/smallbiznis/ledgerline/internal/payment/service"
	"go.uber.org/fx"
)

func newRegistry(cfg config.Config) *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewAdapter(stripe.Config{
			APIKey:        cfg.Billing.StripeAPIKey,
			WebhookSecret: cfg.Billing.StripeWebhookSecret,
		}),
		paystack.NewAdapter(paystack.Config{
			SecretKey:     cfg.Billing.PaystackSecretKey,
			WebhookSecret: cfg.Billing.PaystackWebhookSecret,
		}),
		banktransfer.NewAdapter(),
	)
}

var Module = fx.Module("payment.service",
	fx.Provide(newRegistry),
	fx.Provide(service.NewDedupStore),
	fx.Provide(service.NewWebhookService),
)
