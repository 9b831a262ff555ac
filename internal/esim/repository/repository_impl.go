package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() esimdomain.Repository {
	return &repo{}
}

const esimColumns = `id, employee_id, company_id, plan_id, provider_order_id, iccid, activation_code,
	 status, previous_status, data_used_bytes, data_total_bytes, activated_at, expires_at,
	 auto_renew, renewal_state, renewal_count, renewal_history, renewal_verify_after, renewal_verified,
	 last_synced_at, last_provider_status, via, metadata, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *esimdomain.Esim) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO esims (
			id, employee_id, company_id, plan_id, provider_order_id, iccid, activation_code,
			status, previous_status, data_used_bytes, data_total_bytes, activated_at, expires_at,
			auto_renew, renewal_state, renewal_count, renewal_history, renewal_verify_after, renewal_verified,
			last_synced_at, last_provider_status, via, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.EmployeeID,
		record.CompanyID,
		record.PlanID,
		record.ProviderOrderID,
		record.ICCID,
		record.ActivationCode,
		record.Status,
		record.PreviousStatus,
		record.DataUsedBytes,
		record.DataTotalBytes,
		record.ActivatedAt,
		record.ExpiresAt,
		record.AutoRenew,
		record.RenewalState,
		record.RenewalCount,
		record.RenewalHistory,
		record.RenewalVerifyAfter,
		record.RenewalVerified,
		record.LastSyncedAt,
		record.LastProviderStatus,
		record.Via,
		record.Metadata,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, record *esimdomain.Esim) error {
	return db.WithContext(ctx).Exec(
		`UPDATE esims SET
			iccid = ?, activation_code = ?, status = ?, previous_status = ?,
			data_used_bytes = ?, data_total_bytes = ?, activated_at = ?, expires_at = ?,
			auto_renew = ?, renewal_state = ?, renewal_count = ?, renewal_history = ?,
			renewal_verify_after = ?, renewal_verified = ?, last_synced_at = ?,
			last_provider_status = ?, via = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		record.ICCID,
		record.ActivationCode,
		record.Status,
		record.PreviousStatus,
		record.DataUsedBytes,
		record.DataTotalBytes,
		record.ActivatedAt,
		record.ExpiresAt,
		record.AutoRenew,
		record.RenewalState,
		record.RenewalCount,
		record.RenewalHistory,
		record.RenewalVerifyAfter,
		record.RenewalVerified,
		record.LastSyncedAt,
		record.LastProviderStatus,
		record.Via,
		record.Metadata,
		record.UpdatedAt,
		record.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*esimdomain.Esim, error) {
	var record esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims WHERE id = ?`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*esimdomain.Esim, error) {
	var record esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByProviderOrderID(ctx context.Context, db *gorm.DB, providerOrderID string) (*esimdomain.Esim, error) {
	var record esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims WHERE provider_order_id = ?`,
		providerOrderID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter esimdomain.ListFilter) ([]esimdomain.Esim, error) {
	query := `SELECT ` + esimColumns + ` FROM esims WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.CompanyID != 0 {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.EmployeeID != 0 {
		query += ` AND employee_id = ?`
		args = append(args, filter.EmployeeID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var records []esimdomain.Esim
	err := db.WithContext(ctx).Raw(query, args...).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) CountOtherNonTerminal(ctx context.Context, db *gorm.DB, employeeID, excludeID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM esims
		 WHERE employee_id = ? AND id <> ? AND status NOT IN (?, ?)`,
		employeeID,
		excludeID,
		esimdomain.StatusCancelled,
		esimdomain.StatusExpired,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ClaimOrphans(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]esimdomain.Esim, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims
		 WHERE status IN (?, ?) AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		esimdomain.StatusPending,
		esimdomain.StatusWaitingForActivation,
		cutoff,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ClaimStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]esimdomain.Esim, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims
		 WHERE status = ? AND (last_synced_at IS NULL OR last_synced_at < ?)
		 ORDER BY last_synced_at ASC NULLS FIRST
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		esimdomain.StatusActivated,
		cutoff,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ClaimRevocationCandidates(ctx context.Context, db *gorm.DB, limit int) ([]esimdomain.Esim, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims
		 WHERE status <> ? AND (status <> ? OR auto_renew = ?)
		 ORDER BY last_synced_at ASC NULLS FIRST
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		esimdomain.StatusCancelled,
		esimdomain.StatusExpired,
		true,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ClaimNonTerminal(ctx context.Context, db *gorm.DB, limit int) ([]esimdomain.Esim, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims
		 WHERE status <> ?
		 ORDER BY last_synced_at ASC NULLS FIRST
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		esimdomain.StatusCancelled,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ClaimRenewalDue(ctx context.Context, db *gorm.DB, limit int) ([]esimdomain.Esim, error) {
	if limit <= 0 {
		limit = 25
	}
	var records []esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims
		 WHERE status = ? AND auto_renew = ? AND renewal_state = ''
		 ORDER BY updated_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		esimdomain.StatusExpired,
		true,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ClaimVerificationDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]esimdomain.Esim, error) {
	if limit <= 0 {
		limit = 25
	}
	var records []esimdomain.Esim
	err := db.WithContext(ctx).Raw(
		`SELECT `+esimColumns+` FROM esims
		 WHERE renewal_verified = ? AND renewal_verify_after IS NOT NULL AND renewal_verify_after <= ?
		 ORDER BY renewal_verify_after ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		false,
		now,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) AcquireRenewalLock(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE esims SET renewal_state = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND renewal_state = ''`,
		esimdomain.RenewalStateProcessing,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
