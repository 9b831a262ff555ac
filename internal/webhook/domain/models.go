// Package domain contains webhook payload and unmatched-delivery models.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	ErrMalformedPayload = errors.New("malformed_webhook_payload")
	ErrMissingDelivery  = errors.New("webhook_delivery_id_required")
	ErrMissingOrder     = errors.New("webhook_order_id_required")
)

// Payload is the provider's callback body. Timestamps stay raw strings
// because providers send the literal "null" for absent values.
type Payload struct {
	DeliveryID      string `json:"delivery_id"`
	ProviderOrderID string `json:"order_id"`
	Status          string `json:"status"`
	SMDPStatus      string `json:"smdp_status"`
	ICCID           string `json:"iccid"`
	ActivationCode  string `json:"activation_code"`
	ActivatedAt     string `json:"activated_at"`
	InstalledAt     string `json:"installed_at"`
	UsageBytes      *int64 `json:"usage_bytes"`
	TotalBytes      *int64 `json:"total_bytes"`
}

// Outcome tells the HTTP layer how ingestion ended.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
)

// Result is the ingestion verdict for one delivery.
type Result struct {
	Outcome Outcome
	Changed bool
	From    string
	To      string
}

// UnmatchedDelivery preserves deliveries that reference no known order so
// operators can replay them once the record appears.
type UnmatchedDelivery struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	DeliveryID      string         `gorm:"type:text;not null"`
	ProviderOrderID string         `gorm:"type:text;not null;index"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UnmatchedDelivery) TableName() string { return "unmatched_deliveries" }
