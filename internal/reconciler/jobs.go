package reconciler

import (
	"context"
	"errors"
	"time"

	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	"github.com/smallbiznis/simvault/internal/metrics"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// claim runs one claim query in a short transaction. The row locks only need
// to hold long enough to partition a batch between concurrent sweepers.
func (r *Reconciler) claim(ctx context.Context, resource string, fn func(tx *gorm.DB) ([]esimdomain.Esim, error)) ([]esimdomain.Esim, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	start := time.Now()
	var records []esimdomain.Esim
	err := r.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		records, txErr = fn(tx)
		return txErr
	})
	metrics.Reconciler().ObserveDBLockWait(resource, time.Since(start))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// pollRecord refreshes one record from the provider and feeds the result
// through the decision rules.
func (r *Reconciler) pollRecord(ctx context.Context, job string, record esimdomain.Esim) error {
	status, err := r.gateway.QueryStatus(ctx, record.ProviderOrderID)
	if err != nil {
		if errors.Is(err, providerdomain.ErrOrderNotFound) {
			// Unknown upstream: nothing to converge on. Operators see the
			// record through the orphan metrics and the stale last_synced_at.
			r.log.Warn("order unknown upstream",
				zap.String("job", job),
				zap.Int64("esim_id", record.ID.Int64()),
				zap.String("provider_order_id", record.ProviderOrderID),
			)
			return nil
		}
		return err
	}

	result, err := r.esimSvc.ApplySignal(ctx, record.ID, esimdomain.ProviderSignal{
		ProviderStatus: status.Status,
		SMDPStatus:     status.SMDPStatus,
		ActivatedAtRaw: status.ActivatedAt,
		InstalledAtRaw: status.InstalledAt,
		UsageBytes:     status.UsageBytes,
		TotalBytes:     status.TotalBytes,
		ICCID:          status.ICCID,
		ActivationCode: status.ActivationCode,
		Channel:        esimdomain.ChannelPoll,
		ReceivedAt:     r.clock.Now(),
	})
	if err != nil {
		return err
	}
	if result.RenewalHandoff {
		return r.renewal.Process(ctx, record.ID)
	}
	return nil
}

// OrphanCheckJob resolves records stuck before activation: orders the
// provider finished while a webhook went missing.
func (r *Reconciler) OrphanCheckJob(ctx context.Context) error {
	tuning := r.tuning.Current().Reconciler
	cutoff := r.clock.Now().Add(-tuning.RunInterval)

	records, err := r.claim(ctx, metrics.LockResourceOrphansForWork, func(tx *gorm.DB) ([]esimdomain.Esim, error) {
		return r.esimRepo.ClaimOrphans(ctx, tx, cutoff, tuning.OrphanBatchSize)
	})
	if err != nil {
		return err
	}

	var jobErr error
	for _, record := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		jobErr = errors.Join(jobErr, r.pollRecord(ctx, "orphan_check", record))
	}
	metrics.Reconciler().AddBatchProcessed("orphan_check", "esims", len(records))
	return jobErr
}

// ActivatedSweepJob refreshes activated records whose last sync is stale,
// catching expiry and depletion the provider never calls back about.
func (r *Reconciler) ActivatedSweepJob(ctx context.Context) error {
	tuning := r.tuning.Current().Reconciler
	cutoff := r.clock.Now().Add(-tuning.RunInterval)

	records, err := r.claim(ctx, metrics.LockResourceActivatedForWork, func(tx *gorm.DB) ([]esimdomain.Esim, error) {
		return r.esimRepo.ClaimStale(ctx, tx, cutoff, tuning.SweepBatchSize)
	})
	if err != nil {
		return err
	}

	var jobErr error
	for _, record := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		jobErr = errors.Join(jobErr, r.pollRecord(ctx, "activated_sweep", record))
	}
	metrics.Reconciler().AddBatchProcessed("activated_sweep", "esims", len(records))
	return jobErr
}

// RevocationSweepJob looks for upstream cancellations of records we still
// consider live. The decision rules rank cancellation first, so any revoked
// order found here transitions immediately. Expired records with auto-renew
// off sit out of this sweep; they have nothing left to converge on every
// tick and the safety sweep revisits them anyway.
func (r *Reconciler) RevocationSweepJob(ctx context.Context) error {
	tuning := r.tuning.Current().Reconciler

	records, err := r.claim(ctx, metrics.LockResourceNonTerminalForWork, func(tx *gorm.DB) ([]esimdomain.Esim, error) {
		return r.esimRepo.ClaimRevocationCandidates(ctx, tx, tuning.SweepBatchSize)
	})
	if err != nil {
		return err
	}

	var jobErr error
	for _, record := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		jobErr = errors.Join(jobErr, r.pollRecord(ctx, "revocation_sweep", record))
	}
	metrics.Reconciler().AddBatchProcessed("revocation_sweep", "esims", len(records))
	return jobErr
}

// RenewalSweepJob picks up expired auto-renew records whose webhook-time
// handoff never ran (crashed worker, disabled webhooks) and feeds them to
// the engine.
func (r *Reconciler) RenewalSweepJob(ctx context.Context) error {
	tuning := r.tuning.Current().Renewal

	records, err := r.claim(ctx, metrics.LockResourceRenewalsForWork, func(tx *gorm.DB) ([]esimdomain.Esim, error) {
		return r.esimRepo.ClaimRenewalDue(ctx, tx, tuning.SweepBatchSize)
	})
	if err != nil {
		return err
	}

	var jobErr error
	for _, record := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		jobErr = errors.Join(jobErr, r.renewal.Process(ctx, record.ID))
	}
	metrics.Reconciler().AddBatchProcessed("renewal_sweep", "esims", len(records))
	return jobErr
}

// VerifyRenewalsJob confirms top-ups whose verification delay has elapsed.
func (r *Reconciler) VerifyRenewalsJob(ctx context.Context) error {
	tuning := r.tuning.Current().Renewal
	now := r.clock.Now()

	records, err := r.claim(ctx, metrics.LockResourceRenewalsForWork, func(tx *gorm.DB) ([]esimdomain.Esim, error) {
		return r.esimRepo.ClaimVerificationDue(ctx, tx, now, tuning.SweepBatchSize)
	})
	if err != nil {
		return err
	}

	var jobErr error
	for _, record := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		jobErr = errors.Join(jobErr, r.renewal.Verify(ctx, record.ID))
	}
	metrics.Reconciler().AddBatchProcessed("verify_renewals", "esims", len(records))
	return jobErr
}

// SafetySweepJob is the low-frequency deep resync: every non-terminal record
// regardless of sync recency, in case the regular sweeps and webhooks both
// missed something. Expired records are included so a revocation or revival
// the provider never called back about still converges.
func (r *Reconciler) SafetySweepJob(ctx context.Context) error {
	tuning := r.tuning.Current().Reconciler

	records, err := r.claim(ctx, metrics.LockResourceNonTerminalForWork, func(tx *gorm.DB) ([]esimdomain.Esim, error) {
		return r.esimRepo.ClaimNonTerminal(ctx, tx, tuning.SweepBatchSize)
	})
	if err != nil {
		return err
	}

	var jobErr error
	for _, record := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		jobErr = errors.Join(jobErr, r.pollRecord(ctx, "safety_sweep", record))
	}
	metrics.Reconciler().AddBatchProcessed("safety_sweep", "esims", len(records))
	return jobErr
}
