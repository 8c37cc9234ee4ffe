// Scheduler runs the recurring billing jobs (dunning, installments,
// rate refresh) without the HTTP API. Deploy alongside ledgerline when
// job execution should scale independently of request traffic.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerline/internal/audit"
	"github.com/smallbiznis/ledgerline/internal/chargeback"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	"github.com/smallbiznis/ledgerline/internal/dunning"
	"github.com/smallbiznis/ledgerline/internal/email"
	"github.com/smallbiznis/ledgerline/internal/exchangerate"
	"github.com/smallbiznis/ledgerline/internal/invoice"
	"github.com/smallbiznis/ledgerline/internal/logger"
	"github.com/smallbiznis/ledgerline/internal/observability/tracing"
	"github.com/smallbiznis/ledgerline/internal/payment"
	"github.com/smallbiznis/ledgerline/internal/paymentplan"
	"github.com/smallbiznis/ledgerline/internal/scheduler"
	"github.com/smallbiznis/ledgerline/internal/subscription"
	"github.com/smallbiznis/ledgerline/internal/tax"
	"github.com/smallbiznis/ledgerline/pkg/db"
	"go.uber.org/fx"
)

func newSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(int64(cfg.SnowflakeNodeID))
}

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		clock.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,

		audit.Module,
		tax.Module,
		exchangerate.Module,
		email.Module,
		invoice.Module,
		subscription.Module,
		dunning.Module,
		chargeback.Module,
		payment.Module,
		paymentplan.Module,

		scheduler.Module,
	)
	app.Run()
}
