package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
)

type createEsimRequest struct {
	EmployeeID string `json:"employee_id" binding:"required"`
	PlanID     string `json:"plan_id" binding:"required"`
}

type esimResponse struct {
	ID              string     `json:"id"`
	EmployeeID      string     `json:"employee_id"`
	CompanyID       string     `json:"company_id"`
	PlanID          string     `json:"plan_id"`
	ProviderOrderID string     `json:"provider_order_id"`
	ICCID           string     `json:"iccid,omitempty"`
	ActivationCode  string     `json:"activation_code,omitempty"`
	Status          string     `json:"status"`
	DataUsedBytes   int64      `json:"data_used_bytes"`
	DataTotalBytes  int64      `json:"data_total_bytes"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	AutoRenew       bool       `json:"auto_renew"`
	RenewalCount    int        `json:"renewal_count"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	Via             string     `json:"via,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toEsimResponse(record esimdomain.Esim) esimResponse {
	return esimResponse{
		ID:              record.ID.String(),
		EmployeeID:      record.EmployeeID.String(),
		CompanyID:       record.CompanyID.String(),
		PlanID:          record.PlanID.String(),
		ProviderOrderID: record.ProviderOrderID,
		ICCID:           record.ICCID,
		ActivationCode:  record.ActivationCode,
		Status:          string(record.Status),
		DataUsedBytes:   record.DataUsedBytes,
		DataTotalBytes:  record.DataTotalBytes,
		ActivatedAt:     record.ActivatedAt,
		ExpiresAt:       record.ExpiresAt,
		AutoRenew:       record.AutoRenew,
		RenewalCount:    record.RenewalCount,
		LastSyncedAt:    record.LastSyncedAt,
		Via:             string(record.Via),
		CreatedAt:       record.CreatedAt,
	}
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, ErrInvalidRequest
	}
	return id, nil
}

func (s *Server) CreateEsim(c *gin.Context) {
	var req createEsimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	employeeID, err := parseID(req.EmployeeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	planID, err := parseID(req.PlanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.esimSvc.Purchase(c.Request.Context(), esimdomain.PurchaseRequest{
		EmployeeID: employeeID,
		PlanID:     planID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toEsimResponse(*record))
}

func (s *Server) GetEsim(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.esimSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEsimResponse(*record))
}

func (s *Server) ListEsims(c *gin.Context) {
	filter := esimdomain.ListFilter{Limit: 100}
	if raw := c.Query("employee_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.EmployeeID = id
	}
	if raw := c.Query("company_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.CompanyID = id
	}
	if raw := c.Query("status"); raw != "" {
		filter.Status = esimdomain.EsimStatus(raw)
	}

	records, err := s.esimSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]esimResponse, 0, len(records))
	for _, record := range records {
		out = append(out, toEsimResponse(record))
	}
	c.JSON(http.StatusOK, gin.H{"esims": out})
}

func (s *Server) CancelEsim(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.esimSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEsimResponse(*record))
}
