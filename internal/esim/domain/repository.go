package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter narrows List queries. Zero values are ignored.
type ListFilter struct {
	CompanyID  snowflake.ID
	EmployeeID snowflake.ID
	Status     EsimStatus
	Limit      int
	Offset     int
}

// Repository owns all esims-table SQL, including the claim queries the
// reconciliation sweeps run under row locks.
type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, record *Esim) error
	Update(ctx context.Context, tx *gorm.DB, record *Esim) error

	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Esim, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Esim, error)
	FindByProviderOrderID(ctx context.Context, tx *gorm.DB, providerOrderID string) (*Esim, error)
	List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]Esim, error)

	// CountOtherNonTerminal counts the employee's eSIMs that are neither
	// cancelled nor expired, excluding the given record.
	CountOtherNonTerminal(ctx context.Context, tx *gorm.DB, employeeID, excludeID snowflake.ID) (int64, error)

	// ClaimOrphans locks records stuck in pending or waiting_for_activation
	// since before the cutoff. Rows already locked by another worker are
	// skipped.
	ClaimOrphans(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]Esim, error)

	// ClaimStale locks activated records whose last sync predates the cutoff.
	ClaimStale(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]Esim, error)

	// ClaimRevocationCandidates locks records for the hot revocation sweep:
	// everything non-cancelled except expired records with auto-renew off,
	// which are dormant and left to the safety sweep.
	ClaimRevocationCandidates(ctx context.Context, tx *gorm.DB, limit int) ([]Esim, error)

	// ClaimNonTerminal locks every non-cancelled record regardless of sync
	// recency or renewal settings, for the low-frequency safety sweep.
	ClaimNonTerminal(ctx context.Context, tx *gorm.DB, limit int) ([]Esim, error)

	// ClaimRenewalDue locks expired records with auto-renew enabled and an
	// idle renewal lock.
	ClaimRenewalDue(ctx context.Context, tx *gorm.DB, limit int) ([]Esim, error)

	// ClaimVerificationDue locks records whose renewal top-up awaits
	// verification and whose verify-after time has passed.
	ClaimVerificationDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Esim, error)

	// AcquireRenewalLock compare-and-swaps renewal_state from idle to
	// processing. It returns false when another worker holds or already
	// finished the current cycle.
	AcquireRenewalLock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (bool, error)
}

// ApplyResult reports what applying a signal changed.
type ApplyResult struct {
	Changed        bool
	From           EsimStatus
	To             EsimStatus
	Via            Channel
	RenewalHandoff bool
}

// PurchaseRequest creates a new eSIM for an employee on a plan.
type PurchaseRequest struct {
	EmployeeID snowflake.ID
	PlanID     snowflake.ID
}

// Service is the esim application surface used by HTTP handlers, webhook
// ingestion and the reconciliation sweeps.
type Service interface {
	Purchase(ctx context.Context, req PurchaseRequest) (*Esim, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Esim, error)
	List(ctx context.Context, filter ListFilter) ([]Esim, error)
	Cancel(ctx context.Context, id snowflake.ID) (*Esim, error)

	// ApplySignal evaluates a provider observation against the current record
	// and persists the outcome atomically.
	ApplySignal(ctx context.Context, id snowflake.ID, signal ProviderSignal) (ApplyResult, error)

	// ApplySignalTx is ApplySignal inside a caller-owned transaction, used by
	// webhook ingestion so the idempotency mark commits with the mutation.
	ApplySignalTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, signal ProviderSignal) (ApplyResult, error)
}
