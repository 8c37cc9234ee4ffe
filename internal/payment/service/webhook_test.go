package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	chargebackdomain "github.com/smallbiznis/ledgerline/internal/chargeback/domain"
	chargebackservice "github.com/smallbiznis/ledgerline/internal/chargeback/service"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	dunningdomain "github.com/smallbiznis/ledgerline/internal/dunning/domain"
	dunningservice "github.com/smallbiznis/ledgerline/internal/dunning/service"
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

type noopEmail struct{}

func (noopEmail) Send(ctx context.Context, msg emaildomain.Message) error { return nil }

// fakeAdapter scripts verification and parsing so tests drive the
// pipeline without real provider payloads.
type fakeAdapter struct {
	verifyErr error
	event     *paymentdomain.Event
	parseErr  error
}

func (a *fakeAdapter) Provider() string { return "stripe" }

func (a *fakeAdapter) Charge(ctx context.Context, paymentMethodID string, amount money.Money) (paymentdomain.ChargeResult, error) {
	return paymentdomain.ChargeResult{Success: false, FailureReason: "card_declined"}, nil
}

func (a *fakeAdapter) Refund(ctx context.Context, providerPaymentID string, amount money.Money) (paymentdomain.RefundResult, error) {
	return paymentdomain.RefundResult{Success: true}, nil
}

func (a *fakeAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return a.verifyErr
}

func (a *fakeAdapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Event, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return a.event, nil
}

type fixture struct {
	svc     *WebhookService
	adapter *fakeAdapter
	db      *gorm.DB
	clk     *clock.FakeClock

	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	dunningSvc      dunningdomain.Service
	chargebackSvc   chargebackdomain.Service
	orgID           snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenDB(t,
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.CreditNote{},
		&invoicedomain.AuditEntry{},
		&invoicedomain.NumberCounter{},
		&dunningdomain.Process{},
		&chargebackdomain.Chargeback{},
		&paymentdomain.ProcessedEvent{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

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

	adapter := &fakeAdapter{}
	registry := adapters.NewRegistry(adapter)

	dunningSvc, err := dunningservice.NewService(dunningservice.ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Config: config.Config{Billing: config.BillingConfig{DunningMaxTransientFails: 5}},

		Schedule: dunningdomain.DefaultSchedule(),

		InvoiceSvc:      invoiceSvc,
		SubscriptionSvc: subscriptionSvc,
		EmailProvider:   noopEmail{},
		Adapters:        registry,
	})
	require.NoError(t, err)

	chargebackSvc := chargebackservice.NewService(chargebackservice.ServiceParam{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		InvoiceSvc:      invoiceSvc,
		SubscriptionSvc: subscriptionSvc,
		EmailProvider:   noopEmail{},
	})

	svc := NewWebhookService(WebhookParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,

		Adapters: registry,
		Dedup: NewDedupStore(DedupParams{
			DB:    db,
			Log:   zap.NewNop(),
			Clock: clk,
		}),

		InvoiceSvc:      invoiceSvc,
		SubscriptionSvc: subscriptionSvc,
		DunningSvc:      dunningSvc,
		ChargebackSvc:   chargebackSvc,
	})

	return &fixture{
		svc:     svc,
		adapter: adapter,
		db:      db,
		clk:     clk,

		invoiceSvc:      invoiceSvc,
		subscriptionSvc: subscriptionSvc,
		dunningSvc:      dunningSvc,
		chargebackSvc:   chargebackSvc,
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
		ProviderSubscriptionID: "sub_wh",
		PaymentMethodID:        "pm_wh",
		CustomerEmail:          "customer@example.com",
		Country:                "US",
		State:                  "OR",
		CustomerType:           taxdomain.CustomerTypeIndividual,
		PeriodStart:            time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:              time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
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

func (f *fixture) deliver(t *testing.T, event paymentdomain.Event) error {
	t.Helper()
	event.Provider = "stripe"
	f.adapter.event = &event
	return f.svc.HandleDelivery(context.Background(), "stripe", []byte(`{}`), http.Header{})
}

func TestUnknownProviderRejected(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleDelivery(context.Background(), "square", nil, http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestSignatureFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.adapter.verifyErr = paymentdomain.ErrInvalidSignature
	err := f.svc.HandleDelivery(context.Background(), "stripe", nil, http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestIgnoredEventAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.adapter.parseErr = paymentdomain.ErrEventIgnored
	err := f.svc.HandleDelivery(context.Background(), "stripe", nil, http.Header{})
	require.NoError(t, err)
}

func TestPaymentSucceededMarksInvoicePaid(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seed(t)

	err := f.deliver(t, paymentdomain.Event{
		ProviderEventID:   "evt_1",
		Type:              paymentdomain.EventTypePaymentSucceeded,
		ProviderPaymentID: "pi_1",
		InvoiceNumber:     inv.InvoiceNumber,
		Amount:            inv.AmountDue,
		Currency:          "USD",
	})
	require.NoError(t, err)

	got, _, err := f.invoiceSvc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, got.Status)
	require.Equal(t, "pi_1", *got.ProviderPaymentID)
}

func TestDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seed(t)
	ctx := context.Background()

	event := paymentdomain.Event{
		ProviderEventID: "evt_dup",
		Type:            paymentdomain.EventTypePaymentSucceeded,
		InvoiceNumber:   inv.InvoiceNumber,
		Amount:          inv.AmountDue,
		Currency:        "USD",
	}
	require.NoError(t, f.deliver(t, event))

	entries, err := f.invoiceSvc.AuditEntries(ctx, inv.ID)
	require.NoError(t, err)
	before := len(entries)

	// Redelivery acknowledges without touching the ledger.
	require.NoError(t, f.deliver(t, event))

	got, _, err := f.invoiceSvc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, got.Status)
	require.Equal(t, got.TotalAmount, got.AmountPaid)

	entries, err = f.invoiceSvc.AuditEntries(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, entries, before)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.ProcessedEvent{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestPaymentSucceededResolvesDunning(t *testing.T) {
	f := newFixture(t)
	sub, inv := f.seed(t)
	ctx := context.Background()

	process, err := f.dunningSvc.Start(ctx, sub.ID, inv.ID)
	require.NoError(t, err)

	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID: "evt_recover",
		Type:            paymentdomain.EventTypePaymentSucceeded,
		InvoiceNumber:   inv.InvoiceNumber,
		Amount:          inv.AmountDue,
		Currency:        "USD",
	})
	require.NoError(t, err)

	got, err := f.dunningSvc.Get(ctx, process.ID)
	require.NoError(t, err)
	require.Equal(t, dunningdomain.StatusRecovered, got.Status)

	subGot, err := f.subscriptionSvc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, subGot.Status)
}

func TestPaymentFailedStartsDunning(t *testing.T) {
	f := newFixture(t)
	sub, inv := f.seed(t)
	ctx := context.Background()

	err := f.deliver(t, paymentdomain.Event{
		ProviderEventID:        "evt_fail",
		Type:                   paymentdomain.EventTypePaymentFailed,
		ProviderSubscriptionID: "sub_wh",
	})
	require.NoError(t, err)

	process, err := f.dunningSvc.ActiveForSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, process)
	require.Equal(t, inv.ID, process.InvoiceID)

	subGot, err := f.subscriptionSvc.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPastDue, subGot.Status)
}

func TestRefundedMovesInvoiceToRefunded(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seed(t)
	ctx := context.Background()

	_, err := f.invoiceSvc.MarkPaid(ctx, inv.ID, inv.Due(), f.clk.Now(), nil)
	require.NoError(t, err)

	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID:   "evt_refund",
		Type:              paymentdomain.EventTypeRefunded,
		ProviderPaymentID: "re_1",
		InvoiceNumber:     inv.InvoiceNumber,
	})
	require.NoError(t, err)

	got, _, err := f.invoiceSvc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusRefunded, got.Status)
}

func TestChargebackOpenedAndResolvedLost(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seed(t)
	ctx := context.Background()

	_, err := f.invoiceSvc.MarkPaid(ctx, inv.ID, inv.Due(), f.clk.Now(), nil)
	require.NoError(t, err)

	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID:      "evt_cb_open",
		Type:                 paymentdomain.EventTypeChargebackOpened,
		InvoiceNumber:        inv.InvoiceNumber,
		ProviderChargebackID: "dp_1",
		Reason:               "fraudulent",
	})
	require.NoError(t, err)

	cb, err := f.chargebackSvc.GetByProviderRef(ctx, "stripe", "dp_1")
	require.NoError(t, err)
	require.Equal(t, chargebackdomain.StatusOpen, cb.Status)
	require.Equal(t, inv.ID, cb.InvoiceID)

	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID:      "evt_cb_close",
		Type:                 paymentdomain.EventTypeChargebackResolved,
		ProviderChargebackID: "dp_1",
		Resolution:           "lost",
	})
	require.NoError(t, err)

	cb, err = f.chargebackSvc.Get(ctx, cb.ID)
	require.NoError(t, err)
	require.Equal(t, chargebackdomain.ResolutionLost, cb.Resolution)

	got, _, err := f.invoiceSvc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusRefunded, got.Status)
}

func TestChargebackUpdatedSyncsEvidenceDue(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seed(t)
	ctx := context.Background()

	_, err := f.invoiceSvc.MarkPaid(ctx, inv.ID, inv.Due(), f.clk.Now(), nil)
	require.NoError(t, err)

	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID:      "evt_cb_open",
		Type:                 paymentdomain.EventTypeChargebackOpened,
		InvoiceNumber:        inv.InvoiceNumber,
		ProviderChargebackID: "dp_1",
		Reason:               "fraudulent",
	})
	require.NoError(t, err)

	due := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID:      "evt_cb_update",
		Type:                 paymentdomain.EventTypeChargebackUpdated,
		InvoiceNumber:        inv.InvoiceNumber,
		ProviderChargebackID: "dp_1",
		Reason:               "product_not_received",
		EvidenceDueAt:        &due,
	})
	require.NoError(t, err)

	cb, err := f.chargebackSvc.GetByProviderRef(ctx, "stripe", "dp_1")
	require.NoError(t, err)
	require.Equal(t, chargebackdomain.StatusOpen, cb.Status)
	require.Equal(t, "product_not_received", cb.Reason)
	require.NotNil(t, cb.EvidenceDueAt)
	require.True(t, cb.EvidenceDueAt.Equal(due))
}

func TestChargebackUpdatedOpensWhenCreateWasMissed(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seed(t)
	ctx := context.Background()

	_, err := f.invoiceSvc.MarkPaid(ctx, inv.ID, inv.Due(), f.clk.Now(), nil)
	require.NoError(t, err)

	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID:      "evt_cb_update_only",
		Type:                 paymentdomain.EventTypeChargebackUpdated,
		InvoiceNumber:        inv.InvoiceNumber,
		ProviderChargebackID: "dp_late",
		Reason:               "fraudulent",
	})
	require.NoError(t, err)

	cb, err := f.chargebackSvc.GetByProviderRef(ctx, "stripe", "dp_late")
	require.NoError(t, err)
	require.Equal(t, chargebackdomain.StatusOpen, cb.Status)
	require.Equal(t, inv.ID, cb.InvoiceID)
}

func TestChargebackResolvesInvoiceByPaymentReference(t *testing.T) {
	f := newFixture(t)
	_, inv := f.seed(t)
	ctx := context.Background()

	ref := "ch_disputed"
	_, err := f.invoiceSvc.MarkPaid(ctx, inv.ID, inv.Due(), f.clk.Now(), &ref)
	require.NoError(t, err)

	// Paystack dispute deliveries carry only the transaction reference.
	err = f.deliver(t, paymentdomain.Event{
		ProviderEventID:      "evt_cb_by_ref",
		Type:                 paymentdomain.EventTypeChargebackOpened,
		ProviderPaymentID:    ref,
		ProviderChargebackID: "dp_ref",
		Reason:               "chargeback",
	})
	require.NoError(t, err)

	cb, err := f.chargebackSvc.GetByProviderRef(ctx, "stripe", "dp_ref")
	require.NoError(t, err)
	require.Equal(t, inv.ID, cb.InvoiceID)
}

func TestFailedDispatchRollsBackDedupRow(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(t, paymentdomain.Event{
		ProviderEventID: "evt_missing",
		Type:            paymentdomain.EventTypePaymentSucceeded,
		InvoiceNumber:   "INV-2026-9999",
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	// The dedup row rolled back with the failed dispatch, so the
	// provider's retry is not treated as a duplicate.
	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.ProcessedEvent{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}
