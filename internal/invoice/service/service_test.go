package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerline/internal/clock"
	"github.com/smallbiznis/ledgerline/internal/config"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
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

type fixture struct {
	svc   *Service
	db    *gorm.DB
	clk   *clock.FakeClock
	node  *snowflake.Node
	orgID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenDB(t,
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.CreditNote{},
		&invoicedomain.AuditEntry{},
		&invoicedomain.NumberCounter{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))

	taxSvc := taxservice.NewService(taxservice.Params{
		Log:   zap.NewNop(),
		Rates: taxservice.NewStaticRateProvider(),
	})

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Config:   config.Config{Billing: config.BillingConfig{InvoiceDueDays: 14}},
		Tax:      taxSvc,
		AuditSvc: noopAuditSvc{},
	})

	return &fixture{
		svc:   svc.(*Service),
		db:    db,
		clk:   clk,
		node:  node,
		orgID: node.Generate(),
	}
}

func (f *fixture) createInvoice(t *testing.T) invoicedomain.Invoice {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), invoicedomain.CreateInvoiceRequest{
		OrgID:    f.orgID,
		Currency: "EUR",
		LineItems: []invoicedomain.LineItemInput{
			{Description: "Pro plan", Quantity: 1, UnitPrice: money.MustNew(10000, "EUR")},
		},
		Country:      "DE",
		CustomerType: taxdomain.CustomerTypeIndividual,
	})
	require.NoError(t, err)
	return inv
}

func TestCreateInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t)

	require.Equal(t, "INV-2026-0001", inv.InvoiceNumber)
	require.Equal(t, invoicedomain.InvoiceStatusIssued, inv.Status)
	require.Equal(t, int64(10000), inv.SubtotalAmount)
	require.Equal(t, int64(1900), inv.TaxAmount)
	require.Equal(t, int64(11900), inv.TotalAmount)
	require.Equal(t, inv.TotalAmount, inv.SubtotalAmount+inv.TaxAmount)
	require.Equal(t, inv.TotalAmount-inv.AmountPaid, inv.AmountDue)
	require.Equal(t, time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC), inv.DueDate)

	entries, err := f.svc.AuditEntries(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "", entries[0].FromStatus)
	require.Equal(t, "draft", entries[0].ToStatus)
	require.Equal(t, "draft", entries[1].FromStatus)
	require.Equal(t, "issued", entries[1].ToStatus)

	_, lines, err := f.svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, int64(10000), lines[0].Amount)
}

func TestInvoiceNumbersIncreasePerYear(t *testing.T) {
	f := newFixture(t)

	first := f.createInvoice(t)
	second := f.createInvoice(t)
	require.Equal(t, "INV-2026-0001", first.InvoiceNumber)
	require.Equal(t, "INV-2026-0002", second.InvoiceNumber)

	// A new year restarts the sequence without touching the old one.
	f.clk.Set(time.Date(2027, 1, 2, 10, 0, 0, 0, time.UTC))
	third := f.createInvoice(t)
	require.Equal(t, "INV-2027-0001", third.InvoiceNumber)
}

func TestCreateRejectsBadLineItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, invoicedomain.CreateInvoiceRequest{
		OrgID:        f.orgID,
		Currency:     "EUR",
		Country:      "DE",
		CustomerType: taxdomain.CustomerTypeIndividual,
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvalidLineItems)

	_, err = f.svc.Create(ctx, invoicedomain.CreateInvoiceRequest{
		OrgID:    f.orgID,
		Currency: "EUR",
		LineItems: []invoicedomain.LineItemInput{
			{Description: "Pro plan", Quantity: 1, UnitPrice: money.MustNew(10000, "USD")},
		},
		Country:      "DE",
		CustomerType: taxdomain.CustomerTypeIndividual,
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvalidLineItems)
}

func TestCreateFailsClosedOnMissingRate(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), invoicedomain.CreateInvoiceRequest{
		OrgID:    f.orgID,
		Currency: "USD",
		LineItems: []invoicedomain.LineItemInput{
			{Description: "Pro plan", Quantity: 1, UnitPrice: money.MustNew(10000, "USD")},
		},
		Country:      "US",
		State:        "ZZ",
		CustomerType: taxdomain.CustomerTypeIndividual,
	})
	require.ErrorIs(t, err, taxdomain.ErrRateNotFound)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	require.Equal(t, int64(0), count, "no partial invoice row")
}

func TestMarkPaidIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.createInvoice(t)
	paidAt := f.clk.Now()

	paid, err := f.svc.MarkPaid(ctx, inv.ID, money.MustNew(11900, "EUR"), paidAt, nil)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, paid.Status)
	require.Equal(t, int64(0), paid.AmountDue)

	entries, err := f.svc.AuditEntries(ctx, inv.ID)
	require.NoError(t, err)
	auditCount := len(entries)

	// Same amount again is a no-op with zero additional audit rows.
	again, err := f.svc.MarkPaid(ctx, inv.ID, money.MustNew(11900, "EUR"), paidAt, nil)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, again.Status)

	entries, err = f.svc.AuditEntries(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, entries, auditCount)

	// A different amount on a paid invoice is a conflict.
	_, err = f.svc.MarkPaid(ctx, inv.ID, money.MustNew(5000, "EUR"), paidAt, nil)
	require.ErrorIs(t, err, invoicedomain.ErrPaymentConflict)
}

func TestMarkPaidPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.createInvoice(t)

	partial, err := f.svc.MarkPaid(ctx, inv.ID, money.MustNew(4000, "EUR"), f.clk.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusIssued, partial.Status)
	require.Equal(t, int64(7900), partial.AmountDue)

	_, err = f.svc.MarkPaid(ctx, inv.ID, money.MustNew(8000, "EUR"), f.clk.Now(), nil)
	require.ErrorIs(t, err, invoicedomain.ErrPaymentConflict, "overpayment rejected")

	full, err := f.svc.MarkPaid(ctx, inv.ID, money.MustNew(7900, "EUR"), f.clk.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, full.Status)
	require.Equal(t, int64(0), full.AmountDue)
}

func TestMarkPaidCurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	inv := f.createInvoice(t)

	_, err := f.svc.MarkPaid(context.Background(), inv.ID, money.MustNew(11900, "USD"), f.clk.Now(), nil)
	require.ErrorIs(t, err, money.ErrCurrencyMismatch)
}

func TestVoidLegality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.createInvoice(t)
	voided, err := f.svc.Void(ctx, inv.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusVoid, voided.Status)
	require.Equal(t, "duplicate", voided.VoidReason)

	// Terminal: cannot pay or re-void.
	_, err = f.svc.MarkPaid(ctx, inv.ID, money.MustNew(11900, "EUR"), f.clk.Now(), nil)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
	_, err = f.svc.Void(ctx, inv.ID, "again")
	require.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	// Paid invoices cannot be voided.
	paidInv := f.createInvoice(t)
	_, err = f.svc.MarkPaid(ctx, paidInv.ID, money.MustNew(11900, "EUR"), f.clk.Now(), nil)
	require.NoError(t, err)
	_, err = f.svc.Void(ctx, paidInv.ID, "late")
	require.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
}

func TestRefundIssuesCreditNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.createInvoice(t)

	_, err := f.svc.MarkPaid(ctx, inv.ID, money.MustNew(11900, "EUR"), f.clk.Now(), nil)
	require.NoError(t, err)

	refunded, note, err := f.svc.Refund(ctx, inv.ID, money.MustNew(11900, "EUR"), "customer request", nil)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusRefunded, refunded.Status)
	require.Equal(t, "CN-2026-0001", note.CreditNoteNumber)
	require.Equal(t, int64(11900), note.TotalAmount)
	require.Equal(t, inv.ID, note.InvoiceID)

	// Refunding an unpaid invoice is illegal.
	other := f.createInvoice(t)
	_, _, err = f.svc.Refund(ctx, other.ID, money.MustNew(11900, "EUR"), "nope", nil)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
}

func TestRefundRejectsExcessAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.createInvoice(t)

	_, err := f.svc.MarkPaid(ctx, inv.ID, money.MustNew(11900, "EUR"), f.clk.Now(), nil)
	require.NoError(t, err)

	_, _, err = f.svc.Refund(ctx, inv.ID, money.MustNew(20000, "EUR"), "too much", nil)
	require.ErrorIs(t, err, invoicedomain.ErrInvalidAmount)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.CreditNote{}).Count(&count).Error)
	require.Equal(t, int64(0), count, "failed refund writes nothing")
}
