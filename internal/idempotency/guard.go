// Package idempotency suppresses duplicate webhook deliveries. The guard is
// an insert-if-absent on the delivery id so the mark and the mutation it
// protects commit in the same transaction.
package idempotency

import (
	"context"
	"time"

	"github.com/smallbiznis/simvault/pkg/db"
	"gorm.io/gorm"
)

// Delivery is one applied webhook delivery.
type Delivery struct {
	DeliveryID      string    `gorm:"primaryKey"`
	ProviderOrderID string    `gorm:"type:text;not null"`
	AppliedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Delivery) TableName() string { return "webhook_deliveries" }

type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// MarkApplied records the delivery id and reports whether this call won. A
// false return means another transaction already applied this delivery; the
// caller must treat the delivery as a duplicate and change nothing.
func (g *Guard) MarkApplied(ctx context.Context, tx *gorm.DB, deliveryID, providerOrderID string, now time.Time) (bool, error) {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO webhook_deliveries (delivery_id, provider_order_id, applied_at)
		 VALUES (?, ?, ?)`,
		deliveryID,
		providerOrderID,
		now,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasBeenApplied is a read-only probe used to short-circuit before opening
// the apply transaction. The authoritative check stays MarkApplied.
func (g *Guard) HasBeenApplied(ctx context.Context, conn *gorm.DB, deliveryID string) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM webhook_deliveries WHERE delivery_id = ?`,
		deliveryID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
