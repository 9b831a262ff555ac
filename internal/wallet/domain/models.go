// Package domain contains the prepaid wallet models and contracts. Every
// company funds renewals from a single wallet denominated in minor units.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrWalletNotFound       = errors.New("wallet_not_found")
	ErrInsufficientBalance  = errors.New("insufficient_balance")
	ErrDuplicateRenewalCost = errors.New("duplicate_renewal_debit")
)

// Wallet holds a company's prepaid balance.
type Wallet struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	CompanyID    snowflake.ID `gorm:"not null;uniqueIndex"`
	BalanceCents int64        `gorm:"not null;default:0"`
	Currency     string       `gorm:"type:text;not null;default:'USD'"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletDebit records one renewal charge. The (esim_id, renewal_order_id)
// uniqueness backs exactly-once debiting per renewal cycle.
type WalletDebit struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	WalletID       snowflake.ID `gorm:"not null"`
	EsimID         snowflake.ID `gorm:"not null;uniqueIndex:uq_wallet_debits_cycle"`
	RenewalOrderID string       `gorm:"type:text;not null;uniqueIndex:uq_wallet_debits_cycle"`
	AmountCents    int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (WalletDebit) TableName() string { return "wallet_debits" }

// DebitRequest describes one renewal charge.
type DebitRequest struct {
	DebitID        snowflake.ID
	CompanyID      snowflake.ID
	EsimID         snowflake.ID
	RenewalOrderID string
	AmountCents    int64
	Currency       string
}

// Repository owns wallet SQL. DebitForRenewal must run inside the caller's
// transaction so the balance decrement and the debit row commit together.
type Repository interface {
	FindByCompanyID(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*Wallet, error)
	Insert(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	Credit(ctx context.Context, db *gorm.DB, companyID snowflake.ID, amountCents int64) error

	// DebitForRenewal conditionally decrements the balance and records the
	// debit. It returns ErrInsufficientBalance when the balance cannot cover
	// the amount and ErrDuplicateRenewalCost when this renewal cycle was
	// already charged.
	DebitForRenewal(ctx context.Context, db *gorm.DB, req DebitRequest) error
}
