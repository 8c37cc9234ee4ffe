package exchangerate

import (
	exchangedomain "github.com/smallbiznis/ledgerline/internal/exchangerate/domain"
	"github.com/smallbiznis/ledgerline/internal/exchangerate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("exchangerate.service",
	fx.Provide(func() exchangedomain.RateSource {
		return service.NewStaticRateSource()
	}),
	fx.Provide(service.NewService),
)
