package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/ledgerline/internal/paymentplan/domain"
)

type createPaymentPlanRequest struct {
	OrgID     string `json:"org_id" binding:"required"`
	InvoiceID string `json:"invoice_id" binding:"required"`

	NumInstallments    int    `json:"num_installments" binding:"required"`
	DownPaymentPercent string `json:"down_payment_percent"`

	Provider        string `json:"provider"`
	PaymentMethodID string `json:"payment_method_id"`
}

func (s *Server) CreatePaymentPlan(c *gin.Context) {
	var req createPaymentPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := snowflake.ParseString(req.OrgID)
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_id", "invalid org id"))
		return
	}
	invoiceID, err := snowflake.ParseString(req.InvoiceID)
	if err != nil {
		AbortWithError(c, newValidationError("invoice_id", "invalid_id", "invalid invoice id"))
		return
	}

	downPct := decimal.Zero
	if req.DownPaymentPercent != "" {
		downPct, err = decimal.NewFromString(req.DownPaymentPercent)
		if err != nil {
			AbortWithError(c, newValidationError("down_payment_percent", "invalid_decimal", "invalid down payment percent"))
			return
		}
	}

	plan, installments, err := s.planSvc.Create(c.Request.Context(), plandomain.CreateRequest{
		OrgID:     orgID,
		InvoiceID: invoiceID,

		NumInstallments:    req.NumInstallments,
		DownPaymentPercent: downPct,

		Provider:        req.Provider,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": gin.H{"plan": plan, "installments": installments}})
}

func (s *Server) GetPaymentPlan(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	plan, installments, err := s.planSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"plan": plan, "installments": installments}})
}

func (s *Server) CancelPaymentPlan(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	plan, err := s.planSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plan})
}
