// Package reconciler runs the periodic sweeps that keep local records
// converged with provider truth: orphaned orders, stale activated records,
// upstream revocations, due renewals and pending renewal verifications.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/simvault/internal/clock"
	"github.com/smallbiznis/simvault/internal/config"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	"github.com/smallbiznis/simvault/internal/locks"
	"github.com/smallbiznis/simvault/internal/metrics"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	renewaldomain "github.com/smallbiznis/simvault/internal/renewal/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobTimeout   = 30 * time.Second
	claimTimeout = 2 * time.Second
	sweepLockKey = "simvault:reconciler:sweep"
)

var ErrInvalidConfig = errors.New("reconciler dependencies are incomplete")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Tuning *config.TuningHolder

	EsimRepo esimdomain.Repository
	EsimSvc  esimdomain.Service
	Gateway  providerdomain.Gateway
	Renewal  renewaldomain.Engine
	Locker   *locks.Locker `optional:"true"`
}

type Reconciler struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	tuning *config.TuningHolder

	esimRepo esimdomain.Repository
	esimSvc  esimdomain.Service
	gateway  providerdomain.Gateway
	renewal  renewaldomain.Engine
	locker   *locks.Locker

	lastSafetySweep time.Time
}

func New(p Params) (*Reconciler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Tuning == nil ||
		p.EsimRepo == nil || p.EsimSvc == nil || p.Gateway == nil || p.Renewal == nil {
		return nil, ErrInvalidConfig
	}
	return &Reconciler{
		db:     p.DB,
		log:    p.Log.Named("reconciler").With(zap.String("component", "reconciler")),
		clock:  p.Clock,
		tuning: p.Tuning,

		esimRepo: p.EsimRepo,
		esimSvc:  p.EsimSvc,
		gateway:  p.Gateway,
		renewal:  p.Renewal,
		locker:   p.Locker,
	}, nil
}

func (r *Reconciler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	m := metrics.Reconciler()
	m.IncJobRun(name)

	err := fn(ctx)
	m.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		m.IncJobTimeout(name)
	}
	m.IncJobError(name, err)
	if isTimeout {
		r.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", jobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled sweep. Per-record failures are isolated
// with errors.Join so one bad record never stalls the rest of the batch.
func (r *Reconciler) RunOnce(parent context.Context) error {
	tuning := r.tuning.Current()

	token, acquired, err := r.locker.TryLock(parent, sweepLockKey, tuning.Reconciler.RunInterval)
	if err != nil {
		r.log.Warn("sweep lock unavailable", zap.Error(err))
	} else if !acquired {
		return nil
	}
	defer func() { _ = r.locker.Release(parent, sweepLockKey, token) }()

	var runErr error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"orphan_check", r.OrphanCheckJob},
		{"activated_sweep", r.ActivatedSweepJob},
		{"revocation_sweep", r.RevocationSweepJob},
		{"renewal_sweep", r.RenewalSweepJob},
		{"verify_renewals", r.VerifyRenewalsJob},
	}
	for _, job := range jobs {
		if !r.isJobEnabled(tuning.Reconciler, job.Name) {
			continue
		}
		runErr = errors.Join(runErr, r.runJob(parent, job.Name, job.Run))
	}

	if r.isJobEnabled(tuning.Reconciler, "safety_sweep") && r.safetySweepDue(tuning.Reconciler) {
		runErr = errors.Join(runErr, r.runJob(parent, "safety_sweep", r.SafetySweepJob))
		r.lastSafetySweep = r.clock.Now()
	}

	return runErr
}

// RunForever drives RunOnce on the configured interval until the context is
// cancelled. Interval changes picked up from the tuning file apply on the
// next tick.
func (r *Reconciler) RunForever(ctx context.Context) {
	interval := r.tuning.Current().Reconciler.RunInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := r.clock.Now().Add(interval)
	m := metrics.Reconciler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			m.ObserveRunLoopLag(runLag)
		}
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("reconciler run failed", zap.Error(err))
		}

		if next := r.tuning.Current().Reconciler.RunInterval; next != interval && next > 0 {
			interval = next
			ticker.Reset(interval)
		}
		nextRun = nextRun.Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) isJobEnabled(cfg config.ReconcilerTuning, jobName string) bool {
	// Empty means every job runs (monolith mode).
	if len(cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (r *Reconciler) safetySweepDue(cfg config.ReconcilerTuning) bool {
	if cfg.SafetySweepInterval <= 0 {
		return false
	}
	return r.clock.Now().Sub(r.lastSafetySweep) >= cfg.SafetySweepInterval
}
