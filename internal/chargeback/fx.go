package chargeback

import (
	"github.com/smallbiznis/ledgerline/internal/chargeback/service"
	"go.uber.org/fx"
)

var Module = fx.Module("chargeback.service",
	fx.Provide(service.NewService),
)
