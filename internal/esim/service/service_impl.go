package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/simvault/internal/clock"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	"github.com/smallbiznis/simvault/internal/esim/lifecycle"
	"github.com/smallbiznis/simvault/internal/events"
	"github.com/smallbiznis/simvault/internal/metrics"
	ownerdomain "github.com/smallbiznis/simvault/internal/owner/domain"
	plandomain "github.com/smallbiznis/simvault/internal/plan/domain"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	"github.com/smallbiznis/simvault/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock

	repo      esimdomain.Repository
	ownerRepo ownerdomain.Repository
	planRepo  plandomain.Repository

	gateway   providerdomain.Gateway
	publisher events.Publisher
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Repo      esimdomain.Repository
	OwnerRepo ownerdomain.Repository
	PlanRepo  plandomain.Repository

	Gateway   providerdomain.Gateway
	Publisher events.Publisher
}

func NewService(p ServiceParam) esimdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("esim.service"),

		genID: p.GenID,
		clock: p.Clock,

		repo:      p.Repo,
		ownerRepo: p.OwnerRepo,
		planRepo:  p.PlanRepo,

		gateway:   p.Gateway,
		publisher: p.Publisher,
	}
}

func (s *Service) Purchase(ctx context.Context, req esimdomain.PurchaseRequest) (*esimdomain.Esim, error) {
	if req.EmployeeID == 0 {
		return nil, esimdomain.ErrEmployeeRequired
	}
	if req.PlanID == 0 {
		return nil, esimdomain.ErrPlanRequired
	}

	employee, err := s.ownerRepo.FindByID(ctx, s.db, req.EmployeeID)
	if err != nil {
		return nil, err
	}
	if employee == nil {
		return nil, ownerdomain.ErrEmployeeNotFound
	}

	plan, err := s.planRepo.FindByID(ctx, s.db, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}

	order, err := s.gateway.Purchase(ctx, providerdomain.PurchaseOrder{
		PlanCode: plan.ProviderPlanCode,
		Email:    employee.Email,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	record := &esimdomain.Esim{
		ID:              s.genID.Generate(),
		EmployeeID:      employee.ID,
		CompanyID:       employee.CompanyID,
		PlanID:          plan.ID,
		ProviderOrderID: order.OrderID,
		ICCID:           order.ICCID,
		ActivationCode:  order.ActivationCode,
		Status:          esimdomain.StatusWaitingForActivation,
		PreviousStatus:  esimdomain.StatusPending,
		DataTotalBytes:  plan.DataBytes,
		AutoRenew:       employee.AutoRenewEnabled,
		RenewalVerified: true,
		Via:             esimdomain.ChannelManual,
		Metadata:        datatypes.JSONMap{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, record); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return esimdomain.ErrEsimAlreadyExists
			}
			return err
		}
		return s.ownerRepo.SetActivePlan(ctx, tx, employee.ID, plan.ID, s.genID.Generate(), now, nil)
	})
	if err != nil {
		return nil, err
	}

	metrics.Reconciler().IncTransition(
		string(esimdomain.StatusPending),
		string(esimdomain.StatusWaitingForActivation),
		string(esimdomain.ChannelManual),
	)
	s.publisher.Publish(ctx, events.Event{
		Type:            events.TypeStatusChanged,
		EsimID:          record.ID,
		EmployeeID:      record.EmployeeID,
		ProviderOrderID: record.ProviderOrderID,
		From:            string(esimdomain.StatusPending),
		To:              string(esimdomain.StatusWaitingForActivation),
		Via:             string(esimdomain.ChannelManual),
		OccurredAt:      now,
	})

	s.log.Info("esim purchased",
		zap.Int64("esim_id", record.ID.Int64()),
		zap.String("provider_order_id", record.ProviderOrderID),
	)
	return record, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*esimdomain.Esim, error) {
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, esimdomain.ErrEsimNotFound
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, filter esimdomain.ListFilter) ([]esimdomain.Esim, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (*esimdomain.Esim, error) {
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, esimdomain.ErrEsimNotFound
	}
	if record.Status == esimdomain.StatusCancelled {
		return record, nil
	}

	if err := s.gateway.Cancel(ctx, record.ProviderOrderID); err != nil {
		return nil, err
	}

	if _, err := s.ApplySignal(ctx, id, esimdomain.ProviderSignal{
		ProviderStatus: "cancelled",
		Channel:        esimdomain.ChannelManual,
		ReceivedAt:     s.clock.Now(),
	}); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) ApplySignal(ctx context.Context, id snowflake.ID, signal esimdomain.ProviderSignal) (esimdomain.ApplyResult, error) {
	var result esimdomain.ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.ApplySignalTx(ctx, tx, id, signal)
		return txErr
	})
	if err != nil {
		return esimdomain.ApplyResult{}, err
	}

	if result.Changed {
		s.publisher.Publish(ctx, events.Event{
			Type:       events.TypeStatusChanged,
			EsimID:     id,
			From:       string(result.From),
			To:         string(result.To),
			Via:        string(result.Via),
			OccurredAt: s.clock.Now(),
		})
	}
	return result, nil
}

// ApplySignalTx evaluates and persists one provider signal inside the
// caller's transaction. Every mutation path converges here so the decision
// rules apply identically to webhook, poll and manual updates.
func (s *Service) ApplySignalTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, signal esimdomain.ProviderSignal) (esimdomain.ApplyResult, error) {
	record, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return esimdomain.ApplyResult{}, err
	}
	if record == nil {
		return esimdomain.ApplyResult{}, esimdomain.ErrEsimNotFound
	}

	decision := lifecycle.Decide(*record, signal)
	now := s.clock.Now()

	switch decision.Kind {
	case esimdomain.DecisionNone:
		return esimdomain.ApplyResult{From: record.Status, To: record.Status}, nil

	case esimdomain.DecisionProvenance:
		s.refreshProvenance(record, signal, now)
		if err := s.repo.Update(ctx, tx, record); err != nil {
			return esimdomain.ApplyResult{}, err
		}
		return esimdomain.ApplyResult{From: record.Status, To: record.Status, Via: signal.Channel}, nil

	case esimdomain.DecisionUsage:
		s.refreshProvenance(record, signal, now)
		if decision.UsageBytes != nil {
			record.DataUsedBytes = *decision.UsageBytes
		}
		if decision.TotalBytes != nil {
			record.DataTotalBytes = *decision.TotalBytes
		}
		if err := s.repo.Update(ctx, tx, record); err != nil {
			return esimdomain.ApplyResult{}, err
		}
		if err := s.ownerRepo.UpdateUsage(ctx, tx, record.EmployeeID, record.DataUsedBytes); err != nil {
			return esimdomain.ApplyResult{}, err
		}
		return esimdomain.ApplyResult{From: record.Status, To: record.Status, Via: signal.Channel}, nil
	}

	// Transition.
	from := record.Status
	record.PreviousStatus = from
	record.Status = decision.NextStatus
	s.refreshProvenance(record, signal, now)

	switch decision.NextStatus {
	case esimdomain.StatusActivated:
		if err := s.applyActivation(ctx, tx, record, decision); err != nil {
			return esimdomain.ApplyResult{}, err
		}
	case esimdomain.StatusExpired:
		// New cycle: release a processed lock from the previous one.
		record.RenewalState = esimdomain.RenewalStateIdle
		if decision.ResetOwnerPlan {
			if err := s.ownerRepo.ResetActivePlan(ctx, tx, record.EmployeeID, now); err != nil {
				return esimdomain.ApplyResult{}, err
			}
		}
	case esimdomain.StatusCancelled:
		if decision.ResetOwnerPlanIfSole {
			others, err := s.repo.CountOtherNonTerminal(ctx, tx, record.EmployeeID, record.ID)
			if err != nil {
				return esimdomain.ApplyResult{}, err
			}
			if others == 0 {
				if err := s.ownerRepo.ResetActivePlan(ctx, tx, record.EmployeeID, now); err != nil {
					return esimdomain.ApplyResult{}, err
				}
			}
		}
	}

	if err := s.repo.Update(ctx, tx, record); err != nil {
		return esimdomain.ApplyResult{}, err
	}

	metrics.Reconciler().IncTransition(string(from), string(record.Status), string(signal.Channel))
	s.log.Info("esim transition",
		zap.Int64("esim_id", record.ID.Int64()),
		zap.String("from", string(from)),
		zap.String("to", string(record.Status)),
		zap.String("via", string(signal.Channel)),
	)

	return esimdomain.ApplyResult{
		Changed:        true,
		From:           from,
		To:             record.Status,
		Via:            signal.Channel,
		RenewalHandoff: decision.HandOffRenewal,
	}, nil
}

func (s *Service) applyActivation(ctx context.Context, tx *gorm.DB, record *esimdomain.Esim, decision esimdomain.Decision) error {
	record.ActivatedAt = &decision.ActivatedAt

	plan, err := s.planRepo.FindByID(ctx, tx, record.PlanID)
	if err != nil {
		return err
	}
	if plan != nil {
		expires := decision.ActivatedAt.Add(plan.Validity())
		record.ExpiresAt = &expires
		if record.DataTotalBytes == 0 {
			record.DataTotalBytes = plan.DataBytes
		}
		if err := s.ownerRepo.ExtendActivePlan(ctx, tx, record.EmployeeID, expires); err != nil {
			return err
		}
	}

	record.DataUsedBytes = 0
	if decision.UsageBytes != nil {
		record.DataUsedBytes = *decision.UsageBytes
	}
	if decision.TotalBytes != nil {
		record.DataTotalBytes = *decision.TotalBytes
	}
	return nil
}

func (s *Service) refreshProvenance(record *esimdomain.Esim, signal esimdomain.ProviderSignal, now time.Time) {
	if signal.ProviderStatus != "" {
		record.LastProviderStatus = signal.ProviderStatus
	}
	if signal.ICCID != "" {
		record.ICCID = signal.ICCID
	}
	if signal.ActivationCode != "" {
		record.ActivationCode = signal.ActivationCode
	}
	if signal.Channel != "" {
		record.Via = signal.Channel
	}
	record.LastSyncedAt = &now
	record.UpdatedAt = now
}

// AppendRenewalEntry serializes one more element onto the record's renewal
// history list. Kept here so the renewal engine and tests share one encoding.
func AppendRenewalEntry(record *esimdomain.Esim, entry esimdomain.RenewalEntry) error {
	var history []esimdomain.RenewalEntry
	if len(record.RenewalHistory) > 0 {
		if err := json.Unmarshal(record.RenewalHistory, &history); err != nil {
			return err
		}
	}
	history = append(history, entry)
	raw, err := json.Marshal(history)
	if err != nil {
		return err
	}
	record.RenewalHistory = raw
	return nil
}
