package paymentplan

import (
	"github.com/smallbiznis/ledgerline/internal/paymentplan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentplan.service",
	fx.Provide(service.NewService),
)
