package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func signedHeader(payload []byte, ts time.Time, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func headerWith(sig string) http.Header {
	h := http.Header{}
	h.Set("Stripe-Signature", sig)
	return h
}

func TestVerifyAcceptsFreshSignature(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_succeeded"}`)

	sig := signedHeader(payload, time.Now(), testSecret)
	require.NoError(t, a.Verify(context.Background(), payload, headerWith(sig)))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{"id":"evt_1"}`)

	// Correct HMAC over a timestamp far outside the tolerance window.
	sig := signedHeader(payload, time.Unix(1, 0), testSecret)
	err := a.Verify(context.Background(), payload, headerWith(sig))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{"id":"evt_1"}`)

	sig := signedHeader(payload, time.Now(), "whsec_other_secret")
	err := a.Verify(context.Background(), payload, headerWith(sig))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = a.Verify(context.Background(), payload, http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{"id":"evt_1","amount":100}`)

	sig := signedHeader(payload, time.Now(), testSecret)
	tampered := []byte(`{"id":"evt_1","amount":100000}`)
	err := a.Verify(context.Background(), tampered, headerWith(sig))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestParseDisputeCreated(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{
		"id": "evt_1",
		"type": "charge.dispute.created",
		"created": 1767225600,
		"data": {"object": {
			"id": "dp_1",
			"amount": 4999,
			"currency": "usd",
			"reason": "fraudulent",
			"status": "needs_response",
			"charge": "ch_1",
			"evidence_details": {"due_by": 1768435200},
			"metadata": {"invoice_number": "INV-2026-000007"}
		}}
	}`)

	event, err := a.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.EventTypeChargebackOpened, event.Type)
	require.Equal(t, "dp_1", event.ProviderChargebackID)
	require.Equal(t, "ch_1", event.ProviderPaymentID)
	require.Equal(t, "INV-2026-000007", event.InvoiceNumber)
	require.Equal(t, int64(4999), event.Amount)
	require.Equal(t, "USD", event.Currency)
	require.Equal(t, "fraudulent", event.Reason)
	require.NotNil(t, event.EvidenceDueAt)
	require.Equal(t, time.Unix(1768435200, 0).UTC(), *event.EvidenceDueAt)
}

func TestParseDisputeUpdated(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{
		"id": "evt_2",
		"type": "charge.dispute.updated",
		"data": {"object": {
			"id": "dp_1",
			"amount": 4999,
			"currency": "usd",
			"reason": "product_not_received",
			"status": "needs_response",
			"charge": "ch_1",
			"evidence_details": {"due_by": 1769040000}
		}}
	}`)

	event, err := a.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.EventTypeChargebackUpdated, event.Type)
	require.Equal(t, "dp_1", event.ProviderChargebackID)
	require.Equal(t, "product_not_received", event.Reason)
	require.NotNil(t, event.EvidenceDueAt)
	require.Empty(t, event.Resolution)
}

func TestParseDisputeClosedCarriesResolution(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{
		"id": "evt_3",
		"type": "charge.dispute.closed",
		"data": {"object": {
			"id": "dp_1",
			"amount": 4999,
			"currency": "usd",
			"status": "won",
			"charge": "ch_1"
		}}
	}`)

	event, err := a.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.EventTypeChargebackResolved, event.Type)
	require.Equal(t, "won", event.Resolution)
}

func TestParseIgnoresUnknownEventType(t *testing.T) {
	a := NewAdapter(Config{WebhookSecret: testSecret})
	payload := []byte(`{"id":"evt_4","type":"customer.created","data":{"object":{}}}`)

	_, err := a.Parse(context.Background(), payload)
	require.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}
