package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ownerdomain "github.com/smallbiznis/simvault/internal/owner/domain"
	walletdomain "github.com/smallbiznis/simvault/internal/wallet/domain"
)

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.planRepo.List(c.Request.Context(), s.db)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	type planResponse struct {
		ID               string `json:"id"`
		Name             string `json:"name"`
		ProviderPlanCode string `json:"provider_plan_code"`
		DataBytes        int64  `json:"data_bytes"`
		ValidityDays     int    `json:"validity_days"`
		PriceCents       int64  `json:"price_cents"`
		Currency         string `json:"currency"`
	}
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{
			ID:               p.ID.String(),
			Name:             p.Name,
			ProviderPlanCode: p.ProviderPlanCode,
			DataBytes:        p.DataBytes,
			ValidityDays:     p.ValidityDays,
			PriceCents:       p.PriceCents,
			Currency:         p.Currency,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

func (s *Server) GetEmployee(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	employee, err := s.ownerRepo.FindByID(c.Request.Context(), s.db, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if employee == nil {
		AbortWithError(c, ownerdomain.ErrEmployeeNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                 employee.ID.String(),
		"company_id":         employee.CompanyID.String(),
		"email":              employee.Email,
		"auto_renew_enabled": employee.AutoRenewEnabled,
		"current_plan_id":    employee.CurrentPlanID.String(),
		"plan_started_at":    employee.PlanStartedAt,
		"plan_expires_at":    employee.PlanExpiresAt,
		"data_used_bytes":    employee.DataUsedBytes,
	})
}

type setAutoRenewRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) SetEmployeeAutoRenew(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setAutoRenewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	employee, err := s.ownerRepo.FindByID(c.Request.Context(), s.db, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if employee == nil {
		AbortWithError(c, ownerdomain.ErrEmployeeNotFound)
		return
	}

	if err := s.ownerRepo.SetAutoRenew(c.Request.Context(), s.db, id, *req.Enabled); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "auto_renew_enabled": *req.Enabled})
}

func (s *Server) GetWallet(c *gin.Context) {
	companyID, err := parseID(c.Param("company_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	wallet, err := s.walletRepo.FindByCompanyID(c.Request.Context(), s.db, companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if wallet == nil {
		AbortWithError(c, walletdomain.ErrWalletNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            wallet.ID.String(),
		"company_id":    wallet.CompanyID.String(),
		"balance_cents": wallet.BalanceCents,
		"currency":      wallet.Currency,
	})
}
