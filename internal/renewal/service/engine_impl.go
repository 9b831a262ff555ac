package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/simvault/internal/clock"
	"github.com/smallbiznis/simvault/internal/config"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	"github.com/smallbiznis/simvault/internal/esim/lifecycle"
	esimservice "github.com/smallbiznis/simvault/internal/esim/service"
	"github.com/smallbiznis/simvault/internal/events"
	"github.com/smallbiznis/simvault/internal/metrics"
	ownerdomain "github.com/smallbiznis/simvault/internal/owner/domain"
	plandomain "github.com/smallbiznis/simvault/internal/plan/domain"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	renewaldomain "github.com/smallbiznis/simvault/internal/renewal/domain"
	walletdomain "github.com/smallbiznis/simvault/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const transitionViaRenewal = "renewal"

// Engine runs one renewal cycle per expired record. The per-record lock
// (renewal_state) makes concurrent triggers collapse to a single top-up and
// a single wallet debit.
type Engine struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	tuning *config.TuningHolder

	esimRepo   esimdomain.Repository
	ownerRepo  ownerdomain.Repository
	planRepo   plandomain.Repository
	walletRepo walletdomain.Repository

	gateway   providerdomain.Gateway
	publisher events.Publisher
}

type EngineParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Tuning *config.TuningHolder

	EsimRepo   esimdomain.Repository
	OwnerRepo  ownerdomain.Repository
	PlanRepo   plandomain.Repository
	WalletRepo walletdomain.Repository

	Gateway   providerdomain.Gateway
	Publisher events.Publisher
}

func NewEngine(p EngineParam) renewaldomain.Engine {
	return &Engine{
		db:  p.DB,
		log: p.Log.Named("renewal.engine"),

		genID:  p.GenID,
		clock:  p.Clock,
		tuning: p.Tuning,

		esimRepo:   p.EsimRepo,
		ownerRepo:  p.OwnerRepo,
		planRepo:   p.PlanRepo,
		walletRepo: p.WalletRepo,

		gateway:   p.Gateway,
		publisher: p.Publisher,
	}
}

func (e *Engine) Process(ctx context.Context, esimID snowflake.ID) error {
	won, err := e.esimRepo.AcquireRenewalLock(ctx, e.db, esimID)
	if err != nil {
		return err
	}
	if !won {
		// Another trigger owns this cycle.
		return nil
	}

	if err := e.runCycle(ctx, esimID); err != nil {
		// Settle even when the cycle died on a cancelled context, or the
		// claim queries would never see this record again.
		e.settleFailedCycle(context.WithoutCancel(ctx), esimID, err)
		return err
	}
	return nil
}

// runCycle is the body of one claimed renewal attempt. Any error bubbles up
// to Process, which parks the lock at processed.
func (e *Engine) runCycle(ctx context.Context, esimID snowflake.ID) error {
	record, err := e.esimRepo.FindByID(ctx, e.db, esimID)
	if err != nil {
		return err
	}
	if record == nil {
		return esimdomain.ErrEsimNotFound
	}
	if record.Status != esimdomain.StatusExpired || !record.AutoRenew {
		// Raced a concurrent mutation; give the lock back untouched.
		return e.setRenewalState(ctx, record, esimdomain.RenewalStateIdle)
	}

	plan, err := e.planRepo.FindByID(ctx, e.db, record.PlanID)
	if err != nil {
		return err
	}
	if plan == nil {
		return plandomain.ErrPlanNotFound
	}

	wallet, err := e.walletRepo.FindByCompanyID(ctx, e.db, record.CompanyID)
	if err != nil {
		return err
	}
	if wallet == nil {
		return walletdomain.ErrWalletNotFound
	}

	if wallet.BalanceCents < plan.PriceCents {
		return e.disableForInsufficientFunds(ctx, record, plan)
	}

	result, err := e.gateway.TopUp(ctx, providerdomain.TopUpOrder{
		ICCID:    record.ICCID,
		PlanCode: plan.ProviderPlanCode,
	})
	if err != nil {
		return fmt.Errorf("top-up %s: %w", record.ICCID, err)
	}

	return e.completeRenewal(ctx, record, plan, result.TopUpID)
}

// completeRenewal commits the revival, the exactly-once debit and the
// verification schedule in one transaction.
func (e *Engine) completeRenewal(ctx context.Context, record *esimdomain.Esim, plan *plandomain.Plan, topUpID string) error {
	now := e.clock.Now()
	delay := e.tuning.Current().Renewal.VerificationDelay

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.esimRepo.FindByIDForUpdate(ctx, tx, record.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return esimdomain.ErrEsimNotFound
		}

		debitErr := e.walletRepo.DebitForRenewal(ctx, tx, walletdomain.DebitRequest{
			DebitID:        e.genID.Generate(),
			CompanyID:      current.CompanyID,
			EsimID:         current.ID,
			RenewalOrderID: topUpID,
			AmountCents:    plan.PriceCents,
			Currency:       plan.Currency,
		})
		// A replayed cycle already paid; everything else aborts.
		if debitErr != nil && !errors.Is(debitErr, walletdomain.ErrDuplicateRenewalCost) {
			return debitErr
		}

		expires := now.Add(plan.Validity())
		current.PreviousStatus = current.Status
		current.Status = esimdomain.StatusActivated
		current.ActivatedAt = &now
		current.ExpiresAt = &expires
		current.DataUsedBytes = 0
		current.DataTotalBytes = plan.DataBytes
		current.RenewalCount++
		current.RenewalState = esimdomain.RenewalStateProcessed
		current.RenewalVerifyAfter = ptr(now.Add(delay))
		current.RenewalVerified = false
		current.UpdatedAt = now
		if err := esimservice.AppendRenewalEntry(current, esimdomain.RenewalEntry{
			Timestamp: now,
			OrderID:   topUpID,
			PlanID:    plan.ID.String(),
			CostCents: plan.PriceCents,
		}); err != nil {
			return err
		}

		if err := e.esimRepo.Update(ctx, tx, current); err != nil {
			return err
		}
		return e.ownerRepo.ExtendActivePlan(ctx, tx, current.EmployeeID, expires)
	})
	if err != nil {
		return err
	}

	metrics.Reconciler().IncTransition(
		string(esimdomain.StatusExpired),
		string(esimdomain.StatusActivated),
		transitionViaRenewal,
	)
	e.publisher.Publish(ctx, events.Event{
		Type:            events.TypeRenewalCompleted,
		EsimID:          record.ID,
		EmployeeID:      record.EmployeeID,
		ProviderOrderID: record.ProviderOrderID,
		From:            string(esimdomain.StatusExpired),
		To:              string(esimdomain.StatusActivated),
		Via:             transitionViaRenewal,
		OccurredAt:      now,
		Detail:          map[string]any{"topup_id": topUpID, "cost_cents": plan.PriceCents},
	})
	e.log.Info("renewal completed",
		zap.Int64("esim_id", record.ID.Int64()),
		zap.String("topup_id", topUpID),
	)
	return nil
}

// disableForInsufficientFunds ends the auto-renew contract for this record:
// the cycle is marked processed so retries stay no-ops until a fresh expiry.
func (e *Engine) disableForInsufficientFunds(ctx context.Context, record *esimdomain.Esim, plan *plandomain.Plan) error {
	now := e.clock.Now()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.esimRepo.FindByIDForUpdate(ctx, tx, record.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return esimdomain.ErrEsimNotFound
		}
		current.AutoRenew = false
		current.RenewalState = esimdomain.RenewalStateProcessed
		setMetadata(current, esimdomain.MetaRenewalError, "insufficient_balance")
		current.UpdatedAt = now
		if err := e.esimRepo.Update(ctx, tx, current); err != nil {
			return err
		}
		return e.ownerRepo.ResetActivePlan(ctx, tx, current.EmployeeID, now)
	})
	if err != nil {
		return err
	}

	e.publisher.Publish(ctx, events.Event{
		Type:            events.TypeAutoRenewDisabled,
		EsimID:          record.ID,
		EmployeeID:      record.EmployeeID,
		ProviderOrderID: record.ProviderOrderID,
		OccurredAt:      now,
		Detail:          map[string]any{"reason": "insufficient_balance", "required_cents": plan.PriceCents},
	})
	e.log.Warn("auto-renew disabled",
		zap.Int64("esim_id", record.ID.Int64()),
		zap.String("reason", "insufficient_balance"),
	)
	return nil
}

// settleFailedCycle parks an errored cycle at processed and records the
// cause, so a crash or race after the lock was claimed never leaves a record
// stuck in processing. The CAS makes it a no-op when the failing path already
// settled the lock itself. The owner's plan fields stay as they are: the
// record is still expired and an operator retry or the next cycle settles it.
func (e *Engine) settleFailedCycle(ctx context.Context, esimID snowflake.ID, cause error) {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.esimRepo.FindByIDForUpdate(ctx, tx, esimID)
		if err != nil {
			return err
		}
		if current == nil || current.RenewalState != esimdomain.RenewalStateProcessing {
			return nil
		}
		current.RenewalState = esimdomain.RenewalStateProcessed
		setMetadata(current, esimdomain.MetaRenewalError, cause.Error())
		current.UpdatedAt = e.clock.Now()
		return e.esimRepo.Update(ctx, tx, current)
	})
	if err != nil {
		e.log.Error("renewal lock not settled",
			zap.Int64("esim_id", esimID.Int64()),
			zap.Error(err),
		)
		return
	}
	e.log.Warn("renewal cycle failed",
		zap.Int64("esim_id", esimID.Int64()),
		zap.Error(cause),
	)
}

// Verify confirms a completed top-up against the provider. A non-activated
// outcome is a failed renewal: the record drops back to expired and the
// owner's plan slot is released.
func (e *Engine) Verify(ctx context.Context, esimID snowflake.ID) error {
	record, err := e.esimRepo.FindByID(ctx, e.db, esimID)
	if err != nil {
		return err
	}
	if record == nil {
		return esimdomain.ErrEsimNotFound
	}
	if record.RenewalVerified {
		return nil
	}

	status, err := e.gateway.QueryStatus(ctx, record.ProviderOrderID)
	if err != nil {
		// Transient failures leave the verification pending; the sweep
		// picks it up again.
		return err
	}

	now := e.clock.Now()
	verified := lifecycle.IsActivationStatus(status.Status)

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.esimRepo.FindByIDForUpdate(ctx, tx, esimID)
		if err != nil {
			return err
		}
		if current == nil {
			return esimdomain.ErrEsimNotFound
		}

		current.RenewalVerified = true
		current.RenewalVerifyAfter = nil
		current.LastProviderStatus = status.Status
		current.LastSyncedAt = &now
		current.UpdatedAt = now

		if verified {
			return e.esimRepo.Update(ctx, tx, current)
		}

		current.PreviousStatus = current.Status
		current.Status = esimdomain.StatusExpired
		setMetadata(current, esimdomain.MetaVerificationError, status.Status)
		if err := e.esimRepo.Update(ctx, tx, current); err != nil {
			return err
		}
		return e.ownerRepo.ResetActivePlan(ctx, tx, current.EmployeeID, now)
	})
	if err != nil {
		return err
	}

	if !verified {
		metrics.Reconciler().IncTransition(
			string(esimdomain.StatusActivated),
			string(esimdomain.StatusExpired),
			transitionViaRenewal,
		)
		e.publisher.Publish(ctx, events.Event{
			Type:            events.TypeVerificationFailed,
			EsimID:          record.ID,
			EmployeeID:      record.EmployeeID,
			ProviderOrderID: record.ProviderOrderID,
			OccurredAt:      now,
			Detail:          map[string]any{"provider_status": status.Status},
		})
		e.log.Warn("renewal verification failed",
			zap.Int64("esim_id", record.ID.Int64()),
			zap.String("provider_status", status.Status),
		)
	}
	return nil
}

func (e *Engine) setRenewalState(ctx context.Context, record *esimdomain.Esim, state esimdomain.RenewalState) error {
	return e.db.WithContext(ctx).Exec(
		`UPDATE esims SET renewal_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state,
		record.ID,
	).Error
}

func setMetadata(record *esimdomain.Esim, key string, value any) {
	if record.Metadata == nil {
		record.Metadata = datatypes.JSONMap{}
	}
	record.Metadata[key] = value
}

func ptr[T any](v T) *T { return &v }
