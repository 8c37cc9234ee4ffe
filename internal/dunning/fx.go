package dunning

import (
	"github.com/smallbiznis/ledgerline/internal/dunning/domain"
	"github.com/smallbiznis/ledgerline/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.service",
	fx.Provide(domain.DefaultSchedule),
	fx.Provide(service.NewService),
)
