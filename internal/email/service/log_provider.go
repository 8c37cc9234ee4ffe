package service

import (
	"context"

	emaildomain "github.com/smallbiznis/ledgerline/internal/email/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log *zap.Logger
}

// LogProvider writes outbound mail to the structured log. Deployments
// swap in an SMTP or API-backed Provider at wiring time.
type LogProvider struct {
	log *zap.Logger
}

func NewLogProvider(p Params) emaildomain.Provider {
	return &LogProvider{log: p.Log.Named("email.provider")}
}

func (p *LogProvider) Send(_ context.Context, msg emaildomain.Message) error {
	p.log.Info("outbound email",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTMLBody)),
		zap.Int("text_bytes", len(msg.TextBody)),
	)
	return nil
}
