package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/ledgerline/internal/money"
	subscriptiondomain "github.com/smallbiznis/ledgerline/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/ledgerline/internal/tax/domain"
)

type createSubscriptionRequest struct {
	OrgID     string `json:"org_id" binding:"required"`
	PlanCode  string `json:"plan_code" binding:"required"`
	PlanPrice int64  `json:"plan_price" binding:"required"`
	Currency  string `json:"currency" binding:"required"`

	Provider               string `json:"provider" binding:"required"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
	PaymentMethodID        string `json:"payment_method_id"`
	CustomerEmail          string `json:"customer_email"`

	Country      string `json:"country"`
	State        string `json:"state"`
	CustomerType string `json:"customer_type"`
	TaxID        string `json:"tax_id"`

	PeriodStart time.Time `json:"period_start" binding:"required"`
	PeriodEnd   time.Time `json:"period_end" binding:"required"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := snowflake.ParseString(req.OrgID)
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_id", "invalid org id"))
		return
	}
	price, err := money.New(req.PlanPrice, req.Currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateRequest{
		OrgID:     orgID,
		PlanCode:  req.PlanCode,
		PlanPrice: price,

		Provider:               req.Provider,
		ProviderSubscriptionID: req.ProviderSubscriptionID,
		PaymentMethodID:        req.PaymentMethodID,
		CustomerEmail:          req.CustomerEmail,

		Country:      req.Country,
		State:        req.State,
		CustomerType: taxdomain.CustomerType(req.CustomerType),
		TaxID:        req.TaxID,

		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) GetSubscription(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) GetSubscriptionDunning(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	process, err := s.dunningSvc.ActiveForSubscription(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if process == nil {
		c.JSON(http.StatusOK, gin.H{"data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": process})
}

type changePlanRequest struct {
	PlanCode   string     `json:"plan_code" binding:"required"`
	PlanPrice  int64      `json:"plan_price" binding:"required"`
	Currency   string     `json:"currency" binding:"required"`
	ChangeDate *time.Time `json:"change_date"`
}

func (s *Server) ChangeSubscriptionPlan(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	price, err := money.New(req.PlanPrice, req.Currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	changeDate := s.clock.Now().UTC()
	if req.ChangeDate != nil {
		changeDate = req.ChangeDate.UTC()
	}

	result, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), id, req.PlanCode, price, changeDate)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.Transition(c.Request.Context(), id, subscriptiondomain.StatusCancelled)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}
