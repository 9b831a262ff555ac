package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/simvault/internal/clock"
	"github.com/smallbiznis/simvault/internal/config"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	"github.com/smallbiznis/simvault/internal/events"
	"github.com/smallbiznis/simvault/internal/idempotency"
	renewaldomain "github.com/smallbiznis/simvault/internal/renewal/domain"
	webhookdomain "github.com/smallbiznis/simvault/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service turns verified provider callbacks into lifecycle signals. The
// idempotency mark and the record mutation commit in one transaction, so a
// replayed delivery either changes nothing or everything.
type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	secret string

	guard     *idempotency.Guard
	esimRepo  esimdomain.Repository
	esimSvc   esimdomain.Service
	renewal   renewaldomain.Engine
	publisher events.Publisher
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config

	Guard     *idempotency.Guard
	EsimRepo  esimdomain.Repository
	EsimSvc   esimdomain.Service
	Renewal   renewaldomain.Engine
	Publisher events.Publisher
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("webhook.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		secret: p.Cfg.Provider.WebhookSecret,

		guard:     p.Guard,
		esimRepo:  p.EsimRepo,
		esimSvc:   p.EsimSvc,
		renewal:   p.Renewal,
		publisher: p.Publisher,
	}
}

// Ingest processes one raw delivery. Signature and shape problems surface as
// typed errors; everything downstream resolves to a Result.
func (s *Service) Ingest(ctx context.Context, body []byte, signature string) (webhookdomain.Result, error) {
	if !webhookdomain.VerifySignature(s.secret, body, signature) {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidSignature
	}

	var payload webhookdomain.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return webhookdomain.Result{}, webhookdomain.ErrMalformedPayload
	}
	if payload.DeliveryID == "" {
		return webhookdomain.Result{}, webhookdomain.ErrMissingDelivery
	}
	if payload.ProviderOrderID == "" {
		return webhookdomain.Result{}, webhookdomain.ErrMissingOrder
	}

	// Cheap pre-check; the transactional mark below stays authoritative.
	applied, err := s.guard.HasBeenApplied(ctx, s.db, payload.DeliveryID)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if applied {
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeDuplicate}, nil
	}

	record, err := s.esimRepo.FindByProviderOrderID(ctx, s.db, payload.ProviderOrderID)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if record == nil {
		return s.persistUnmatched(ctx, payload, body)
	}

	now := s.clock.Now()
	signal := esimdomain.ProviderSignal{
		ProviderStatus: payload.Status,
		SMDPStatus:     payload.SMDPStatus,
		ActivatedAtRaw: payload.ActivatedAt,
		InstalledAtRaw: payload.InstalledAt,
		UsageBytes:     payload.UsageBytes,
		TotalBytes:     payload.TotalBytes,
		ICCID:          payload.ICCID,
		ActivationCode: payload.ActivationCode,
		Channel:        esimdomain.ChannelWebhook,
		ReceivedAt:     now,
	}

	var (
		applyResult esimdomain.ApplyResult
		duplicate   bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := s.guard.MarkApplied(ctx, tx, payload.DeliveryID, payload.ProviderOrderID, now)
		if err != nil {
			return err
		}
		if !won {
			duplicate = true
			return nil
		}
		applyResult, err = s.esimSvc.ApplySignalTx(ctx, tx, record.ID, signal)
		return err
	})
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if duplicate {
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeDuplicate}, nil
	}

	if applyResult.Changed {
		s.publisher.Publish(ctx, events.Event{
			Type:            events.TypeStatusChanged,
			EsimID:          record.ID,
			EmployeeID:      record.EmployeeID,
			ProviderOrderID: record.ProviderOrderID,
			From:            string(applyResult.From),
			To:              string(applyResult.To),
			Via:             string(esimdomain.ChannelWebhook),
			OccurredAt:      now,
		})
	}

	if applyResult.RenewalHandoff {
		if err := s.renewal.Process(ctx, record.ID); err != nil {
			// The sweep retries idle records, so a failed handoff only
			// delays the renewal.
			s.log.Warn("renewal handoff failed",
				zap.Int64("esim_id", record.ID.Int64()),
				zap.Error(err),
			)
		}
	}

	return webhookdomain.Result{
		Outcome: webhookdomain.OutcomeAccepted,
		Changed: applyResult.Changed,
		From:    string(applyResult.From),
		To:      string(applyResult.To),
	}, nil
}

func (s *Service) persistUnmatched(ctx context.Context, payload webhookdomain.Payload, body []byte) (webhookdomain.Result, error) {
	now := s.clock.Now()
	row := webhookdomain.UnmatchedDelivery{
		ID:              s.genID.Generate(),
		DeliveryID:      payload.DeliveryID,
		ProviderOrderID: payload.ProviderOrderID,
		Payload:         datatypes.JSON(body),
		ReceivedAt:      now,
	}
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO unmatched_deliveries (id, delivery_id, provider_order_id, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.ID,
		row.DeliveryID,
		row.ProviderOrderID,
		row.Payload,
		row.ReceivedAt,
	).Error
	if err != nil {
		return webhookdomain.Result{}, err
	}

	s.publisher.Publish(ctx, events.Event{
		Type:            events.TypeDeliveryUnmatched,
		ProviderOrderID: payload.ProviderOrderID,
		OccurredAt:      now,
		Detail:          map[string]any{"delivery_id": payload.DeliveryID},
	})
	s.log.Warn("unmatched webhook delivery",
		zap.String("delivery_id", payload.DeliveryID),
		zap.String("provider_order_id", payload.ProviderOrderID),
	)
	return webhookdomain.Result{Outcome: webhookdomain.OutcomeUnmatched}, nil
}
