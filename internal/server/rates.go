package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/ledgerline/internal/money"
)

func (s *Server) GetExchangeRate(c *gin.Context) {
	from := strings.ToUpper(strings.TrimSpace(c.Query("from")))
	to := strings.ToUpper(strings.TrimSpace(c.Query("to")))
	if from == "" || to == "" {
		AbortWithError(c, newValidationError("from", "missing_currency", "from and to are required"))
		return
	}
	if !money.IsSupported(from) || !money.IsSupported(to) {
		AbortWithError(c, money.ErrUnknownCurrency)
		return
	}

	rate, err := s.rateSvc.Rate(c.Request.Context(), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"from": from, "to": to, "rate": rate}})
}
