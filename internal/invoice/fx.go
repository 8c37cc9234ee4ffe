package invoice

import (
	"github.com/smallbiznis/ledgerline/internal/invoice/service"
	"github.com/smallbiznis/ledgerline/internal/tax"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	tax.Module,
	fx.Provide(service.NewService),
)
