package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	chargebackdomain "github.com/smallbiznis/ledgerline/internal/chargeback/domain"
)

func (s *Server) GetChargeback(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	cb, err := s.chargebackSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cb})
}

func (s *Server) SubmitChargebackEvidence(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	cb, err := s.chargebackSvc.SubmitEvidence(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cb})
}

type resolveChargebackRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

func (s *Server) ResolveChargeback(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req resolveChargebackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cb, err := s.chargebackSvc.Resolve(c.Request.Context(), id, chargebackdomain.Resolution(req.Resolution))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cb})
}
