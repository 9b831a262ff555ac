// Package domain contains the employee (eSIM owner) models and contracts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrEmployeeNotFound = errors.New("employee_not_found")
)

// Employee is the person an eSIM is provisioned for. The plan fields mirror
// the employee's single active plan slot.
type Employee struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	CompanyID snowflake.ID `gorm:"not null;index"`
	Email     string       `gorm:"type:text;not null"`

	AutoRenewEnabled bool         `gorm:"not null;default:false"`
	CurrentPlanID    snowflake.ID `gorm:""`
	PlanStartedAt    *time.Time   `gorm:""`
	PlanExpiresAt    *time.Time   `gorm:""`
	DataUsedBytes    int64        `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Employee) TableName() string { return "employees" }

// PlanHistoryStatus marks whether a history row is the employee's live plan
// period or a closed one.
type PlanHistoryStatus string

const (
	PlanHistoryOpen    PlanHistoryStatus = "open"
	PlanHistoryExpired PlanHistoryStatus = "expired"
)

// PlanHistory is one plan period for an employee.
type PlanHistory struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	EmployeeID snowflake.ID      `gorm:"not null;index"`
	PlanID     snowflake.ID      `gorm:"not null"`
	Status     PlanHistoryStatus `gorm:"type:text;not null;default:'open'"`
	StartedAt  time.Time         `gorm:"not null"`
	EndedAt    *time.Time        `gorm:""`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PlanHistory) TableName() string { return "employee_plan_history" }

// Repository owns employee and plan-history SQL.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Employee, error)
	Insert(ctx context.Context, db *gorm.DB, employee *Employee) error

	// SetActivePlan fills the employee's plan slot and opens a history row.
	SetActivePlan(ctx context.Context, db *gorm.DB, employeeID, planID, historyID snowflake.ID, startedAt time.Time, expiresAt *time.Time) error

	// ResetActivePlan clears the plan slot, zeroes usage and closes any open
	// history rows.
	ResetActivePlan(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, endedAt time.Time) error

	// ExtendActivePlan pushes the plan expiry forward after a successful
	// renewal and zeroes the usage counter.
	ExtendActivePlan(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, expiresAt time.Time) error

	UpdateUsage(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, usedBytes int64) error
	SetAutoRenew(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, enabled bool) error
}
