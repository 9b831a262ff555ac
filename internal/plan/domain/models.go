// Package domain contains the data-plan catalog models and contracts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrPlanNotFound = errors.New("plan_not_found")

// Plan is one purchasable data plan. ProviderPlanCode identifies the plan in
// the upstream provider's catalog.
type Plan struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	Name             string       `gorm:"type:text;not null"`
	ProviderPlanCode string       `gorm:"type:text;not null;uniqueIndex"`
	DataBytes        int64        `gorm:"not null"`
	ValidityDays     int          `gorm:"not null"`
	PriceCents       int64        `gorm:"not null"`
	Currency         string       `gorm:"type:text;not null;default:'USD'"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Plan) TableName() string { return "plans" }

// Validity returns the plan's validity window as a duration.
func (p Plan) Validity() time.Duration {
	return time.Duration(p.ValidityDays) * 24 * time.Hour
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	List(ctx context.Context, db *gorm.DB) ([]Plan, error)
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
}
