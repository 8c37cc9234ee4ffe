package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/ledgerline/internal/invoice/domain"
	"github.com/smallbiznis/ledgerline/internal/money"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
)

type lineItemRequest struct {
	Description string `json:"description" binding:"required"`
	Quantity    int64  `json:"quantity" binding:"required"`
	UnitPrice   int64  `json:"unit_price" binding:"required"`
}

type createInvoiceRequest struct {
	OrgID          string            `json:"org_id" binding:"required"`
	SubscriptionID string            `json:"subscription_id"`
	Currency       string            `json:"currency" binding:"required"`
	Country        string            `json:"country"`
	State          string            `json:"state"`
	CustomerType   string            `json:"customer_type"`
	TaxID          string            `json:"tax_id"`
	LineItems      []lineItemRequest `json:"line_items" binding:"required"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := snowflake.ParseString(req.OrgID)
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_id", "invalid org id"))
		return
	}

	lineItems := make([]invoicedomain.LineItemInput, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		price, err := money.New(li.UnitPrice, req.Currency)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		lineItems = append(lineItems, invoicedomain.LineItemInput{
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   price,
		})
	}

	createReq := invoicedomain.CreateInvoiceRequest{
		OrgID:        orgID,
		Currency:     strings.ToUpper(req.Currency),
		Country:      req.Country,
		State:        req.State,
		CustomerType: taxdomain.CustomerType(req.CustomerType),
		TaxID:        req.TaxID,
		LineItems:    lineItems,
	}
	if req.SubscriptionID != "" {
		subID, err := snowflake.ParseString(req.SubscriptionID)
		if err != nil {
			AbortWithError(c, newValidationError("subscription_id", "invalid_id", "invalid subscription id"))
			return
		}
		createReq.SubscriptionID = &subID
	}

	inv, err := s.invoiceSvc.Create(c.Request.Context(), createReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": inv})
}

func (s *Server) ListInvoices(c *gin.Context) {
	orgID, err := snowflake.ParseString(strings.TrimSpace(c.Query("org_id")))
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_id", "invalid org id"))
		return
	}

	var status *invoicedomain.InvoiceStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st := invoicedomain.InvoiceStatus(raw)
		status = &st
	}

	invoices, err := s.invoiceSvc.List(c.Request.Context(), orgID, status)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	inv, lineItems, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"invoice": inv, "line_items": lineItems}})
}

func (s *Server) ListInvoiceAuditEntries(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	entries, err := s.invoiceSvc.AuditEntries(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (s *Server) ListInvoiceChargebacks(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	chargebacks, err := s.chargebackSvc.ListForInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": chargebacks})
}

type payInvoiceRequest struct {
	Amount            int64  `json:"amount" binding:"required"`
	Currency          string `json:"currency" binding:"required"`
	ProviderPaymentID string `json:"provider_payment_id"`
	PaidAt            string `json:"paid_at"`
}

func (s *Server) MarkInvoicePaid(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req payInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	amount, err := money.New(req.Amount, req.Currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	paidAt := s.clock.Now().UTC()
	if req.PaidAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			AbortWithError(c, newValidationError("paid_at", "invalid_time", "paid_at must be RFC3339"))
			return
		}
		paidAt = parsed.UTC()
	}

	var providerPaymentID *string
	if req.ProviderPaymentID != "" {
		providerPaymentID = &req.ProviderPaymentID
	}

	inv, err := s.invoiceSvc.MarkPaid(c.Request.Context(), id, amount, paidAt, providerPaymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inv})
}

type voidInvoiceRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) VoidInvoice(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req voidInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	inv, err := s.invoiceSvc.Void(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": inv})
}

type refundInvoiceRequest struct {
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	RefundID string `json:"refund_id"`
}

func (s *Server) RefundInvoice(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req refundInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	amount, err := money.New(req.Amount, req.Currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var refundID *string
	if req.RefundID != "" {
		refundID = &req.RefundID
	}

	inv, note, err := s.invoiceSvc.Refund(c.Request.Context(), id, amount, req.Reason, refundID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"invoice": inv, "credit_note": note}})
}

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(param)))
	if err != nil {
		AbortWithError(c, newValidationError(param, "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}
