package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/simvault/internal/owner/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ownerdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ownerdomain.Employee, error) {
	var employee ownerdomain.Employee
	err := db.WithContext(ctx).Raw(
		`SELECT id, company_id, email, auto_renew_enabled, current_plan_id,
		 plan_started_at, plan_expires_at, data_used_bytes, created_at, updated_at
		 FROM employees WHERE id = ?`,
		id,
	).Scan(&employee).Error
	if err != nil {
		return nil, err
	}
	if employee.ID == 0 {
		return nil, nil
	}
	return &employee, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, employee *ownerdomain.Employee) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO employees (
			id, company_id, email, auto_renew_enabled, current_plan_id,
			plan_started_at, plan_expires_at, data_used_bytes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		employee.ID,
		employee.CompanyID,
		employee.Email,
		employee.AutoRenewEnabled,
		employee.CurrentPlanID,
		employee.PlanStartedAt,
		employee.PlanExpiresAt,
		employee.DataUsedBytes,
		employee.CreatedAt,
		employee.UpdatedAt,
	).Error
}

func (r *repo) SetActivePlan(ctx context.Context, db *gorm.DB, employeeID, planID, historyID snowflake.ID, startedAt time.Time, expiresAt *time.Time) error {
	if err := db.WithContext(ctx).Exec(
		`UPDATE employees SET current_plan_id = ?, plan_started_at = ?, plan_expires_at = ?,
		 data_used_bytes = 0, updated_at = ?
		 WHERE id = ?`,
		planID,
		startedAt,
		expiresAt,
		startedAt,
		employeeID,
	).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO employee_plan_history (id, employee_id, plan_id, status, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		historyID,
		employeeID,
		planID,
		ownerdomain.PlanHistoryOpen,
		startedAt,
		startedAt,
	).Error
}

func (r *repo) ResetActivePlan(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, endedAt time.Time) error {
	if err := db.WithContext(ctx).Exec(
		`UPDATE employees SET current_plan_id = NULL, plan_started_at = NULL,
		 plan_expires_at = NULL, data_used_bytes = 0, updated_at = ?
		 WHERE id = ?`,
		endedAt,
		employeeID,
	).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`UPDATE employee_plan_history SET status = ?, ended_at = ?
		 WHERE employee_id = ? AND status = ?`,
		ownerdomain.PlanHistoryExpired,
		endedAt,
		employeeID,
		ownerdomain.PlanHistoryOpen,
	).Error
}

func (r *repo) ExtendActivePlan(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, expiresAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE employees SET plan_expires_at = ?, data_used_bytes = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		expiresAt,
		employeeID,
	).Error
}

func (r *repo) UpdateUsage(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, usedBytes int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE employees SET data_used_bytes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		usedBytes,
		employeeID,
	).Error
}

func (r *repo) SetAutoRenew(ctx context.Context, db *gorm.DB, employeeID snowflake.ID, enabled bool) error {
	return db.WithContext(ctx).Exec(
		`UPDATE employees SET auto_renew_enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		enabled,
		employeeID,
	).Error
}
