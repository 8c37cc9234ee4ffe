// Package paystack implements the Paystack provider adapter. The API
// surface is small enough that the adapter talks JSON over HTTP
// directly; webhook deliveries are authenticated with the account
// secret via HMAC-SHA512.
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/ledgerline/internal/money"
	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
)

const defaultBaseURL = "https://api.paystack.co"

type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API host in tests.
	BaseURL string
}

type Adapter struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
}

func NewAdapter(cfg Config) *Adapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		// Paystack signs deliveries with the account secret key.
		webhookSecret = strings.TrimSpace(cfg.SecretKey)
	}
	return &Adapter{
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Provider() string { return "paystack" }

type chargeRequest struct {
	AuthorizationCode string `json:"authorization_code"`
	Email             string `json:"email,omitempty"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

type apiResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status          string `json:"status"`
		Reference       string `json:"reference"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

// Charge runs a charge on a stored authorization. The payment method id
// is "email:authorization_code"; the email half is what Paystack keys
// the customer on.
func (a *Adapter) Charge(ctx context.Context, paymentMethodID string, amount money.Money) (paymentdomain.ChargeResult, error) {
	email, authCode := splitPaymentMethod(paymentMethodID)
	body := chargeRequest{
		AuthorizationCode: authCode,
		Email:             email,
		Amount:            amount.Amount,
		Currency:          amount.Currency,
	}

	var resp apiResponse
	if err := a.post(ctx, "/transaction/charge_authorization", body, &resp); err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	if !resp.Status || resp.Data.Status != "success" {
		reason := strings.TrimSpace(resp.Data.GatewayResponse)
		if reason == "" {
			reason = strings.TrimSpace(resp.Message)
		}
		return paymentdomain.ChargeResult{
			Success:           false,
			ProviderPaymentID: resp.Data.Reference,
			FailureReason:     reason,
		}, nil
	}
	return paymentdomain.ChargeResult{
		Success:           true,
		ProviderPaymentID: resp.Data.Reference,
	}, nil
}

func (a *Adapter) Refund(ctx context.Context, providerPaymentID string, amount money.Money) (paymentdomain.RefundResult, error) {
	body := map[string]any{
		"transaction": providerPaymentID,
		"amount":      amount.Amount,
	}
	var resp apiResponse
	if err := a.post(ctx, "/refund", body, &resp); err != nil {
		return paymentdomain.RefundResult{}, err
	}
	return paymentdomain.RefundResult{
		Success:          resp.Status,
		ProviderRefundID: resp.Data.Reference,
	}, nil
}

func (a *Adapter) post(ctx context.Context, path string, body any, out *apiResponse) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrTransient, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: paystack status %d", paymentdomain.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("paystack status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	return nil
}

func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrInvalidSignature
	}
	signature := strings.TrimSpace(headers.Get("X-Paystack-Signature"))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha512.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference    string            `json:"reference"`
		Amount       int64             `json:"amount"`
		Currency     string            `json:"currency"`
		PaidAt       string            `json:"paid_at"`
		Subscription string            `json:"subscription_code"`
		Metadata     map[string]string `json:"metadata"`

		// Dispute deliveries use a different object shape.
		ID           int64  `json:"id"`
		Status       string `json:"status"`
		Resolution   string `json:"resolution"`
		RefundAmount int64  `json:"refund_amount"`
		DueAt        string `json:"dueAt"`
		Transaction  struct {
			Reference string `json:"reference"`
		} `json:"transaction"`
	} `json:"data"`
}

func (a *Adapter) Parse(_ context.Context, payload []byte) (*paymentdomain.Event, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	name := strings.TrimSpace(event.Event)
	switch name {
	case "charge.dispute.create":
		return a.parseDispute(event, payload, paymentdomain.EventTypeChargebackOpened)
	case "charge.dispute.remind":
		return a.parseDispute(event, payload, paymentdomain.EventTypeChargebackUpdated)
	case "charge.dispute.resolve":
		return a.parseDispute(event, payload, paymentdomain.EventTypeChargebackResolved)
	}

	if strings.TrimSpace(event.Data.Reference) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var eventType string
	switch name {
	case "charge.success":
		eventType = paymentdomain.EventTypePaymentSucceeded
	case "charge.failed", "invoice.payment_failed":
		eventType = paymentdomain.EventTypePaymentFailed
	case "refund.processed":
		eventType = paymentdomain.EventTypeRefunded
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	occurredAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, event.Data.PaidAt); err == nil {
		occurredAt = ts.UTC()
	}

	// Paystack deliveries carry no event id; the reference plus event
	// name is the stable dedup key.
	return &paymentdomain.Event{
		Provider:               "paystack",
		ProviderEventID:        event.Event + ":" + event.Data.Reference,
		Type:                   eventType,
		ProviderPaymentID:      event.Data.Reference,
		InvoiceNumber:          strings.TrimSpace(event.Data.Metadata["invoice_number"]),
		ProviderSubscriptionID: strings.TrimSpace(event.Data.Subscription),
		Amount:                 event.Data.Amount,
		Currency:               strings.ToUpper(strings.TrimSpace(event.Data.Currency)),
		OccurredAt:             occurredAt,
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseDispute(event webhookEvent, payload []byte, eventType string) (*paymentdomain.Event, error) {
	if event.Data.ID == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}
	disputeID := fmt.Sprintf("%d", event.Data.ID)

	amount := event.Data.RefundAmount
	if amount == 0 {
		amount = event.Data.Amount
	}

	out := &paymentdomain.Event{
		Provider:             "paystack",
		ProviderEventID:      event.Event + ":" + disputeID,
		Type:                 eventType,
		ProviderPaymentID:    strings.TrimSpace(event.Data.Transaction.Reference),
		ProviderChargebackID: disputeID,
		Amount:               amount,
		Currency:             strings.ToUpper(strings.TrimSpace(event.Data.Currency)),
		Reason:               strings.TrimSpace(event.Data.Status),
		OccurredAt:           time.Now().UTC(),
		RawPayload:           payload,
	}
	if due, err := time.Parse(time.RFC3339, event.Data.DueAt); err == nil {
		dueAt := due.UTC()
		out.EvidenceDueAt = &dueAt
	}
	if eventType == paymentdomain.EventTypeChargebackResolved {
		out.Resolution = mapResolution(event.Data.Resolution)
	}
	return out, nil
}

// mapResolution folds Paystack dispute resolutions onto the ledger's
// outcomes: accepting the dispute loses the funds, anything else keeps
// them.
func mapResolution(resolution string) string {
	switch strings.TrimSpace(resolution) {
	case "merchant-accepted", "auto-accepted":
		return "lost"
	default:
		return "won"
	}
}

func splitPaymentMethod(paymentMethodID string) (email, authCode string) {
	parts := strings.SplitN(paymentMethodID, ":", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return "", strings.TrimSpace(paymentMethodID)
}
