// Package domain contains persistence models and contracts for eSIM records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EsimStatus represents lifecycle states for a provisioned eSIM.
type EsimStatus string

const (
	StatusPending              EsimStatus = "pending"
	StatusWaitingForActivation EsimStatus = "waiting_for_activation"
	StatusActivated            EsimStatus = "activated"
	StatusExpired              EsimStatus = "expired"
	StatusCancelled            EsimStatus = "cancelled"
)

// Terminal reports whether no further provider signal can move the record
// forward. Expired records stay reachable because auto-renewal may revive
// them.
func (s EsimStatus) Terminal() bool {
	return s == StatusCancelled
}

// Channel identifies which update path produced a mutation.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelPoll    Channel = "poll"
	ChannelManual  Channel = "manual"
)

// RenewalState is the two-state per-record renewal lock. Empty means idle.
type RenewalState string

const (
	RenewalStateIdle       RenewalState = ""
	RenewalStateProcessing RenewalState = "processing"
	RenewalStateProcessed  RenewalState = "processed"
)

// Esim is one purchased eSIM instance. ProviderOrderID is immutable once
// assigned; ICCID is set when the provider provisions the profile.
type Esim struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	EmployeeID      snowflake.ID `gorm:"not null;index"`
	CompanyID       snowflake.ID `gorm:"not null"`
	PlanID          snowflake.ID `gorm:"not null"`
	ProviderOrderID string       `gorm:"type:text;not null;uniqueIndex"`
	ICCID           string       `gorm:"column:iccid;type:text"`
	ActivationCode  string       `gorm:"type:text"`

	Status         EsimStatus `gorm:"type:text;not null"`
	PreviousStatus EsimStatus `gorm:"type:text"`

	DataUsedBytes  int64 `gorm:"not null;default:0"`
	DataTotalBytes int64 `gorm:"not null;default:0"`

	ActivatedAt *time.Time `gorm:""`
	ExpiresAt   *time.Time `gorm:""`

	AutoRenew          bool           `gorm:"not null;default:false"`
	RenewalState       RenewalState   `gorm:"type:text;not null;default:''"`
	RenewalCount       int            `gorm:"not null;default:0"`
	RenewalHistory     datatypes.JSON `gorm:"type:jsonb"`
	RenewalVerifyAfter *time.Time     `gorm:""`
	RenewalVerified    bool           `gorm:"not null;default:true"`

	LastSyncedAt       *time.Time `gorm:""`
	LastProviderStatus string     `gorm:"type:text"`
	Via                Channel    `gorm:"type:text"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Esim) TableName() string { return "esims" }

// RenewalEntry is one element of the ordered renewal history kept on the
// record.
type RenewalEntry struct {
	Timestamp time.Time `json:"timestamp"`
	OrderID   string    `json:"order_id"`
	PlanID    string    `json:"plan_id"`
	CostCents int64     `json:"cost_cents"`
}

// Metadata keys used by the renewal engine and ingestion paths.
const (
	MetaRenewalError      = "renewal_error"
	MetaVerificationError = "verification_error"
	MetaRefunded          = "refunded"
	MetaCancelFlagged     = "cancel_flagged"
)
