package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	dunningdomain "github.com/smallbiznis/ledgerline/internal/dunning/domain"
	emaildomain "github.com/smallbiznis/ledgerline/internal/email/domain"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/ledgerline/internal/invoice/service"
	"github.com/smallbiznis/ledgerline/internal/money"
	"github.com/smallbiznis/ledgerline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/ledgerline/internal/subscription/service"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
	taxservice "github.com/smallbiznis/ledgerline/internal/tax/service"
	"github.com/smallbiznis/ledgerline/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type noopAuditSvc struct{}

func (noopAuditSvc) AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error {
	return nil
}

// scriptedGateway returns queued charge outcomes in order and repeats
// the last one when the queue drains.
type scriptedGateway struct {
	results []chargeOutcome
	calls   int
}

type chargeOutcome struct {
	result paymentdomain.ChargeResult
	err    error
}

func (g *scriptedGateway) Provider() string { return "stripe" }

func (g *scriptedGateway) Charge(ctx context.Context, paymentMethodID string, amount money.Money) (paymentdomain.ChargeResult, error) {
	idx := g.calls
	if idx >= len(g.results) {
		idx = len(g.results) - 1
	}
	g.calls++
	outcome := g.results[idx]
	return outcome.result, outcome.err
}

func (g *scriptedGateway) Refund(ctx context.Context, providerPaymentID string, amount money.Money) (paymentdomain.RefundResult, error) {
	return paymentdomain.RefundResult{Success: true, ProviderRefundID: "re_test"}, nil
}

func (g *scriptedGateway) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return nil
}

func (g *scriptedGateway) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	return nil, paymentdomain.ErrEventIgnored
}

type recordingEmail struct {
	sent []emaildomain.Message
}

func (p *recordingEmail) Send(ctx context.Context, msg emaildomain.Message) error {
	p.sent = append(p.sent, msg)
	return nil
}

func decline(reason string) chargeOutcome {
	return chargeOutcome{result: paymentdomain.ChargeResult{Success: false, FailureReason: reason}}
}

func succeed() chargeOutcome {
	return chargeOutcome{result: paymentdomain.ChargeResult{Success: true, ProviderPaymentID: "pi_recovered"}}
}

func transient() chargeOutcome {
	return chargeOutcome{err: paymentdomain.ErrTransient}
}

type fixture struct {
	svc     *Service
	db      *gorm.DB
	clk     *clock.FakeClock
	node    *snowflake.Node
	gateway *scriptedGateway
	email   *recordingEmail

	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	orgID           snowflake.ID
}

func newFixture(t *testing.T, outcomes ...chargeOutcome) *fixture {
	t.Helper()

	db := testutil.OpenDB(t,
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.CreditNote{},
		&invoicedomain.AuditEntry{},
		&invoicedomain.NumberCounter{},
		&dunningdomain.Process{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	taxSvc := taxservice.NewService(taxservice.Params{
		Log:   zap.NewNop(),
		Rates: taxservice.NewStaticRateProvider(),
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Config:   config.Config{Billing: config.BillingConfig{InvoiceDueDays: 14}},
		Tax:      taxSvc,
		AuditSvc: noopAuditSvc{},
	})
	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		InvoiceSvc: invoiceSvc,
		AuditSvc:   noopAuditSvc{},
	})

	if len(outcomes) == 0 {
		outcomes = []chargeOutcome{decline("card_declined")}
	}
	gateway := &scriptedGateway{results: outcomes}
	email := &recordingEmail{}

	svc, err := NewService(ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Config: config.Config{Billing: config.BillingConfig{DunningMaxTransientFails: 5}},

		Schedule: dunningdomain.DefaultSchedule(),

		InvoiceSvc:      invoiceSvc,
		SubscriptionSvc: subscriptionSvc,
		EmailProvider:   email,
		Adapters:        adapters.NewRegistry(gateway),
	})
	require.NoError(t, err)

	return &fixture{
		svc:     svc.(*Service),
		db:      db,
		clk:     clk,
		node:    node,
		gateway: gateway,
		email:   email,

		invoiceSvc:      invoiceSvc,
		subscriptionSvc: subscriptionSvc,
		orgID:           node.Generate(),
	}
}

func (f *fixture) seed(t *testing.T) (subscriptiondomain.Subscription, invoicedomain.Invoice) {
	t.Helper()
	ctx := context.Background()

	sub, err := f.subscriptionSvc.Create(ctx, subscriptiondomain.CreateRequest{
		OrgID:                  f.orgID,
		PlanCode:               "basic",
		PlanPrice:              money.MustNew(2999, "USD"),
		Provider:               "stripe",
		ProviderSubscriptionID: "sub_dunning",
		PaymentMethodID:        "pm_dunning",
		CustomerEmail:          "customer@example.com",
		Country:                "US",
		State:                  "OR",
		CustomerType:           taxdomain.CustomerTypeIndividual,
		PeriodStart:            time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:              time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	inv, err := f.invoiceSvc.Create(ctx, invoicedomain.CreateInvoiceRequest{
		OrgID:          f.orgID,
		SubscriptionID: &sub.ID,
		Currency:       "USD",
		Country:        "US",
		State:          "OR",
		CustomerType:   taxdomain.CustomerTypeIndividual,
		LineItems: []invoicedomain.LineItemInput{
			{Description: "Basic plan", Quantity: 1, UnitPrice: money.MustNew(2999, "USD")},
		},
	})
	require.NoError(t, err)
	return sub, inv
}

// tickAt advances the fake clock to the given day offset from the
// process start and runs one tick.
func (f *fixture) tickAt(t *testing.T, start time.Time, day int) int {
	t.Helper()
	f.clk.Set(start.AddDate(0, 0, day))
	n, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	return n
}

func TestStartMovesSubscriptionPastDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, inv := f.seed(t)

	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusActive, process.Status)
	require.Equal(t, 0, process.SchedulePosition)
	require.Equal(t, process.StartedAt.AddDate(0, 0, 3), process.NextActionAt)

	got, err := f.subscriptionSvc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPastDue, got.Status)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, inv := f.seed(t)

	first, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)
	second, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Model(&dunningdomain.Process{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestTickNoopBeforeFirstStep(t *testing.T) {
	f := newFixture(t)
	sub, inv := f.seed(t)
	process, err := f.svc.Start(context.Background(), sub.ID, inv.ID)
	require.NoError(t, err)

	n := f.tickAt(t, process.StartedAt, 2)
	require.Equal(t, 0, n)
	require.Equal(t, 0, f.gateway.calls)
}

func TestFullScheduleExhaustsAndCancels(t *testing.T) {
	f := newFixture(t, decline("card_declined"))
	ctx := context.Background()
	sub, inv := f.seed(t)
	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	for _, day := range []int{3, 7, 10, 14, 21, 25, 30} {
		n := f.tickAt(t, process.StartedAt, day)
		require.Equal(t, 1, n, "day %d", day)
	}

	require.Equal(t, 3, f.gateway.calls)
	require.Len(t, f.email.sent, 3)
	require.Contains(t, f.email.sent[0].Subject, "could not process")
	require.Contains(t, f.email.sent[1].Subject, "Urgent")
	require.Contains(t, f.email.sent[2].Subject, "Final notice")

	got, err := f.svc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusExhausted, got.Status)
	require.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.CompletedAt)

	subGot, err := f.subscriptionSvc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, subGot.Status)

	// Nothing left to do after termination.
	n := f.tickAt(t, process.StartedAt, 40)
	require.Equal(t, 0, n)
}

func TestRetrySuccessRecovers(t *testing.T) {
	f := newFixture(t, decline("card_declined"), succeed())
	ctx := context.Background()
	sub, inv := f.seed(t)
	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	require.Equal(t, 1, f.tickAt(t, process.StartedAt, 3))
	require.Equal(t, 1, f.tickAt(t, process.StartedAt, 7))
	require.Equal(t, 1, f.tickAt(t, process.StartedAt, 10))

	got, err := f.svc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusRecovered, got.Status)
	require.NotNil(t, got.CompletedAt)

	invGot, _, err := f.invoiceSvc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, invGot.Status)

	subGot, err := f.subscriptionSvc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, subGot.Status)

	require.Equal(t, 0, f.tickAt(t, process.StartedAt, 14))
}

func TestTransientFailureDoesNotAdvance(t *testing.T) {
	f := newFixture(t, transient())
	ctx := context.Background()
	sub, inv := f.seed(t)
	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	require.Equal(t, 1, f.tickAt(t, process.StartedAt, 3))

	got, err := f.svc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.SchedulePosition)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, 1, got.TransientFailCount)
	// Step stays due, so the next tick picks it up again.
	require.Equal(t, 1, f.tickAt(t, process.StartedAt, 3))
}

func TestTransientBoundEscalatesToFinalNotice(t *testing.T) {
	f := newFixture(t, transient())
	ctx := context.Background()
	sub, inv := f.seed(t)
	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.Equal(t, 1, f.tickAt(t, process.StartedAt, 3))
	}

	got, err := f.svc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusActive, got.Status)
	require.Equal(t, len(dunningdomain.DefaultSchedule())-1, got.SchedulePosition)
	require.Len(t, f.email.sent, 1)
	require.Contains(t, f.email.sent[0].Subject, "Final notice")

	// Cancel fires a day later regardless of the original day-30 mark.
	f.clk.Set(process.StartedAt.AddDate(0, 0, 4))
	n, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = f.svc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusExhausted, got.Status)
}

func TestRetrySkipsChargeWhenInvoiceAlreadyPaid(t *testing.T) {
	f := newFixture(t, decline("card_declined"))
	ctx := context.Background()
	sub, inv := f.seed(t)
	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	_, err = f.invoiceSvc.MarkPaid(ctx, inv.ID, inv.Due(), f.clk.Now(), nil)
	require.NoError(t, err)

	require.Equal(t, 1, f.tickAt(t, process.StartedAt, 3))
	require.Equal(t, 0, f.gateway.calls)

	got, err := f.svc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusRecovered, got.Status)
}

func TestResolveForInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, inv := f.seed(t)
	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.ResolveForInvoice(ctx, tx, inv.ID)
	})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusRecovered, got.Status)

	subGot, err := f.subscriptionSvc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, subGot.Status)

	// No active process left; resolving again is a no-op.
	err = f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.ResolveForInvoice(ctx, tx, inv.ID)
	})
	require.NoError(t, err)
}

func TestActiveForSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, inv := f.seed(t)

	none, err := f.svc.ActiveForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Nil(t, none)

	process, err := f.svc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	got, err := f.svc.ActiveForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, process.ID, got.ID)
}

func TestRejectsScheduleWithoutCancelTerminator(t *testing.T) {
	f := newFixture(t)
	_, err := NewService(ServiceParam{
		DB:       f.db,
		Log:      zap.NewNop(),
		GenID:    f.node,
		Clock:    f.clk,
		Config:   config.Config{Billing: config.BillingConfig{DunningMaxTransientFails: 5}},
		Schedule: dunningdomain.Schedule{{Day: 3, Action: dunningdomain.ActionRetry}},

		InvoiceSvc:      f.invoiceSvc,
		SubscriptionSvc: f.subscriptionSvc,
		EmailProvider:   f.email,
		Adapters:        adapters.NewRegistry(f.gateway),
	})
	require.ErrorIs(t, err, dunningdomain.ErrInvalidSchedule)
}
