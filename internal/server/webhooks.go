package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/simvault/internal/webhook/domain"
)

const maxWebhookBody = 1 << 20

// HandleEsimWebhook ingests one provider delivery. Duplicates and unmatched
// orders still answer 200 so the provider stops redelivering; only signature
// and shape problems get error statuses.
func (s *Server) HandleEsimWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, webhookdomain.ErrMalformedPayload)
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), body, c.GetHeader(webhookdomain.SignatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome": result.Outcome,
		"changed": result.Changed,
		"from":    result.From,
		"to":      result.To,
	})
}
