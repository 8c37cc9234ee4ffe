package tax

import (
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	"github.com/smallbiznis/ledgerline/internal/tax/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tax.service",
	fx.Provide(func() taxdomain.RateProvider {
		return service.NewStaticRateProvider()
	}),
	fx.Provide(service.NewService),
)
