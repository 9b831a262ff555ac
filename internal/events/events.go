// Package events fans lifecycle notifications out to downstream consumers.
// The HTTP process publishes to Redis when configured and always mirrors into
// an in-process hub that backs the SSE stream.
package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Event types emitted by the lifecycle service and the renewal engine.
const (
	TypeStatusChanged      = "esim.status.changed"
	TypeRenewalCompleted   = "esim.renewal.completed"
	TypeAutoRenewDisabled  = "esim.autorenew.disabled"
	TypeVerificationFailed = "esim.renewal.verification_failed"
	TypeDeliveryUnmatched  = "esim.delivery.unmatched"
)

// Event is one lifecycle notification.
type Event struct {
	Type            string         `json:"type"`
	EsimID          snowflake.ID   `json:"esim_id,omitempty"`
	EmployeeID      snowflake.ID   `json:"employee_id,omitempty"`
	ProviderOrderID string         `json:"provider_order_id,omitempty"`
	From            string         `json:"from,omitempty"`
	To              string         `json:"to,omitempty"`
	Via             string         `json:"via,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	Detail          map[string]any `json:"detail,omitempty"`
}

// Publisher delivers events after the owning transaction commits. Publish
// failures are logged, never propagated: delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher discards everything. Used by tests and the reconciler binary
// when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
