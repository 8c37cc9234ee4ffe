package email

import (
	"github.com/smallbiznis/ledgerline/internal/email/service"
	"go.uber.org/fx"
)

var Module = fx.Module("email.provider",
	fx.Provide(service.NewLogProvider),
)
