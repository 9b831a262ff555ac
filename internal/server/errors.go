package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	ownerdomain "github.com/smallbiznis/simvault/internal/owner/domain"
	plandomain "github.com/smallbiznis/simvault/internal/plan/domain"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	walletdomain "github.com/smallbiznis/simvault/internal/wallet/domain"
	webhookdomain "github.com/smallbiznis/simvault/internal/webhook/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

// ErrorHandlingMiddleware renders the last handler error as a stable JSON
// envelope once the chain unwinds.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, esimdomain.ErrEsimNotFound),
		errors.Is(err, ownerdomain.ErrEmployeeNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, walletdomain.ErrWalletNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}

	case errors.Is(err, esimdomain.ErrEsimAlreadyExists):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}

	case errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: err.Error()}

	case errors.Is(err, webhookdomain.ErrMalformedPayload),
		errors.Is(err, webhookdomain.ErrMissingDelivery),
		errors.Is(err, webhookdomain.ErrMissingOrder),
		errors.Is(err, esimdomain.ErrEmployeeRequired),
		errors.Is(err, esimdomain.ErrPlanRequired),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}

	case errors.Is(err, providerdomain.ErrTransient):
		return http.StatusBadGateway, errorPayload{Type: "provider_unavailable", Message: "provider temporarily unavailable"}

	case errors.Is(err, providerdomain.ErrRejected):
		return http.StatusUnprocessableEntity, errorPayload{Type: "provider_rejected", Message: "provider rejected the request"}

	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}
