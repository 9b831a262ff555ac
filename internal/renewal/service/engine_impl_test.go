package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/simvault/internal/clock"
	"github.com/smallbiznis/simvault/internal/config"
	esimdomain "github.com/smallbiznis/simvault/internal/esim/domain"
	esimrepository "github.com/smallbiznis/simvault/internal/esim/repository"
	"github.com/smallbiznis/simvault/internal/events"
	ownerdomain "github.com/smallbiznis/simvault/internal/owner/domain"
	ownerrepository "github.com/smallbiznis/simvault/internal/owner/repository"
	plandomain "github.com/smallbiznis/simvault/internal/plan/domain"
	planrepository "github.com/smallbiznis/simvault/internal/plan/repository"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	walletdomain "github.com/smallbiznis/simvault/internal/wallet/domain"
	walletrepository "github.com/smallbiznis/simvault/internal/wallet/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	topUpCalls int
	topUpFunc  func(ctx context.Context, order providerdomain.TopUpOrder) (providerdomain.TopUpResult, error)
	queryFunc  func(ctx context.Context, orderID string) (providerdomain.OrderStatus, error)
}

func (g *stubGateway) QueryStatus(ctx context.Context, orderID string) (providerdomain.OrderStatus, error) {
	if g.queryFunc != nil {
		return g.queryFunc(ctx, orderID)
	}
	return providerdomain.OrderStatus{OrderID: orderID, Status: "activated"}, nil
}

func (g *stubGateway) Purchase(context.Context, providerdomain.PurchaseOrder) (providerdomain.PurchaseResult, error) {
	return providerdomain.PurchaseResult{}, nil
}

func (g *stubGateway) TopUp(ctx context.Context, order providerdomain.TopUpOrder) (providerdomain.TopUpResult, error) {
	g.topUpCalls++
	if g.topUpFunc != nil {
		return g.topUpFunc(ctx, order)
	}
	return providerdomain.TopUpResult{TopUpID: fmt.Sprintf("topup-%d", g.topUpCalls), Status: "ok"}, nil
}

func (g *stubGateway) Cancel(context.Context, string) error { return nil }

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	gateway *stubGateway
	engine  *Engine

	esimRepo   esimdomain.Repository
	ownerRepo  ownerdomain.Repository
	planRepo   plandomain.Repository
	walletRepo walletdomain.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_strip_lock", strip))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_strip_lock_row", strip))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&esimdomain.Esim{},
		&ownerdomain.Employee{},
		&ownerdomain.PlanHistory{},
		&plandomain.Plan{},
		&walletdomain.Wallet{},
		&walletdomain.WalletDebit{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	gateway := &stubGateway{}

	f := &fixture{
		db:         db,
		node:       node,
		clock:      fc,
		gateway:    gateway,
		esimRepo:   esimrepository.Provide(),
		ownerRepo:  ownerrepository.Provide(),
		planRepo:   planrepository.Provide(),
		walletRepo: walletrepository.Provide(),
	}
	f.engine = NewEngine(EngineParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Tuning:     config.NewStaticTuningHolder(config.DefaultTuningConfig()),
		EsimRepo:   f.esimRepo,
		OwnerRepo:  f.ownerRepo,
		PlanRepo:   f.planRepo,
		WalletRepo: f.walletRepo,
		Gateway:    gateway,
		Publisher:  events.NopPublisher{},
	}).(*Engine)
	return f
}

type seed struct {
	plan     *plandomain.Plan
	employee *ownerdomain.Employee
	wallet   *walletdomain.Wallet
	record   *esimdomain.Esim
}

func (f *fixture) seedExpired(t *testing.T, balanceCents int64) seed {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()

	plan := &plandomain.Plan{
		ID:               f.node.Generate(),
		Name:             "Renewable 5GB",
		ProviderPlanCode: fmt.Sprintf("plan-%d", f.node.Generate()),
		DataBytes:        5 << 30,
		ValidityDays:     30,
		PriceCents:       400,
		Currency:         "USD",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.planRepo.Insert(ctx, f.db, plan))

	employee := &ownerdomain.Employee{
		ID:               f.node.Generate(),
		CompanyID:        f.node.Generate(),
		Email:            "worker@example.com",
		AutoRenewEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.ownerRepo.Insert(ctx, f.db, employee))

	wallet := &walletdomain.Wallet{
		ID:           f.node.Generate(),
		CompanyID:    employee.CompanyID,
		BalanceCents: balanceCents,
		Currency:     "USD",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.walletRepo.Insert(ctx, f.db, wallet))

	expiredAt := now.Add(-time.Hour)
	record := &esimdomain.Esim{
		ID:              f.node.Generate(),
		EmployeeID:      employee.ID,
		CompanyID:       employee.CompanyID,
		PlanID:          plan.ID,
		ProviderOrderID: fmt.Sprintf("ord-%d", f.node.Generate()),
		ICCID:           "8910000000000000042",
		Status:          esimdomain.StatusExpired,
		PreviousStatus:  esimdomain.StatusActivated,
		DataTotalBytes:  plan.DataBytes,
		ExpiresAt:       &expiredAt,
		AutoRenew:       true,
		RenewalVerified: true,
		Via:             esimdomain.ChannelWebhook,
		CreatedAt:       now.Add(-31 * 24 * time.Hour),
		UpdatedAt:       now,
	}
	require.NoError(t, f.esimRepo.Insert(ctx, f.db, record))

	return seed{plan: plan, employee: employee, wallet: wallet, record: record}
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *esimdomain.Esim {
	t.Helper()
	record, err := f.esimRepo.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

func (f *fixture) balance(t *testing.T, companyID snowflake.ID) int64 {
	t.Helper()
	wallet, err := f.walletRepo.FindByCompanyID(context.Background(), f.db, companyID)
	require.NoError(t, err)
	require.NotNil(t, wallet)
	return wallet.BalanceCents
}

func TestProcess_RenewsAndDebitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)

	var topUpOrder providerdomain.TopUpOrder
	f.gateway.topUpFunc = func(_ context.Context, order providerdomain.TopUpOrder) (providerdomain.TopUpResult, error) {
		topUpOrder = order
		return providerdomain.TopUpResult{TopUpID: "topup-1", Status: "ok"}, nil
	}

	require.NoError(t, f.engine.Process(ctx, s.record.ID))

	// The top-up addresses the profile already on the device.
	assert.Equal(t, s.record.ICCID, topUpOrder.ICCID)
	assert.Equal(t, s.plan.ProviderPlanCode, topUpOrder.PlanCode)

	got := f.reload(t, s.record.ID)
	assert.Equal(t, esimdomain.StatusActivated, got.Status)
	assert.Equal(t, 1, got.RenewalCount)
	assert.Equal(t, esimdomain.RenewalStateProcessed, got.RenewalState)
	assert.False(t, got.RenewalVerified)
	require.NotNil(t, got.RenewalVerifyAfter)
	assert.True(t, got.RenewalVerifyAfter.Equal(f.clock.Now().Add(2*time.Minute)))
	assert.Zero(t, got.DataUsedBytes)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(f.clock.Now().Add(30*24*time.Hour)))

	var history []esimdomain.RenewalEntry
	require.NoError(t, json.Unmarshal(got.RenewalHistory, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "topup-1", history[0].OrderID)
	assert.EqualValues(t, 400, history[0].CostCents)

	assert.EqualValues(t, 600, f.balance(t, s.employee.CompanyID))
	assert.Equal(t, 1, f.gateway.topUpCalls)

	employee, err := f.ownerRepo.FindByID(ctx, f.db, s.employee.ID)
	require.NoError(t, err)
	require.NotNil(t, employee.PlanExpiresAt)
	assert.True(t, employee.PlanExpiresAt.Equal(*got.ExpiresAt))
}

func TestProcess_SecondTriggerIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)

	require.NoError(t, f.engine.Process(ctx, s.record.ID))
	// Webhook handoff and sweep racing: the renewal lock makes the loser a
	// no-op.
	require.NoError(t, f.engine.Process(ctx, s.record.ID))

	got := f.reload(t, s.record.ID)
	assert.Equal(t, 1, got.RenewalCount)
	assert.Equal(t, 1, f.gateway.topUpCalls)
	assert.EqualValues(t, 600, f.balance(t, s.employee.CompanyID))

	var debits int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM wallet_debits WHERE esim_id = ?`, s.record.ID).Scan(&debits).Error)
	assert.EqualValues(t, 1, debits)
}

func TestProcess_InsufficientFundsDisablesAutoRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 100)

	require.NoError(t, f.engine.Process(ctx, s.record.ID))

	got := f.reload(t, s.record.ID)
	assert.Equal(t, esimdomain.StatusExpired, got.Status)
	assert.False(t, got.AutoRenew)
	assert.Equal(t, esimdomain.RenewalStateProcessed, got.RenewalState)
	assert.Equal(t, "insufficient_balance", got.Metadata[esimdomain.MetaRenewalError])
	assert.Zero(t, got.RenewalCount)
	assert.Zero(t, f.gateway.topUpCalls)
	assert.EqualValues(t, 100, f.balance(t, s.employee.CompanyID))

	// Retrying changes nothing: the processed lock blocks a second attempt.
	require.NoError(t, f.engine.Process(ctx, s.record.ID))
	assert.Zero(t, f.gateway.topUpCalls)
}

func TestProcess_TopUpFailureRecordsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)
	require.NoError(t, f.ownerRepo.SetActivePlan(ctx, f.db, s.employee.ID, s.plan.ID, f.node.Generate(), f.clock.Now(), nil))
	f.gateway.topUpFunc = func(context.Context, providerdomain.TopUpOrder) (providerdomain.TopUpResult, error) {
		return providerdomain.TopUpResult{}, providerdomain.ErrRejected
	}

	err := f.engine.Process(ctx, s.record.ID)
	require.ErrorIs(t, err, providerdomain.ErrRejected)

	got := f.reload(t, s.record.ID)
	assert.Equal(t, esimdomain.StatusExpired, got.Status)
	assert.Equal(t, esimdomain.RenewalStateProcessed, got.RenewalState)
	assert.NotEmpty(t, got.Metadata[esimdomain.MetaRenewalError])
	assert.EqualValues(t, 1000, f.balance(t, s.employee.CompanyID))

	// The owner's plan slot is left alone; the record is still expired and
	// a later retry or manual top-up settles it.
	employee, err := f.ownerRepo.FindByID(ctx, f.db, s.employee.ID)
	require.NoError(t, err)
	assert.Equal(t, s.plan.ID, employee.CurrentPlanID)
}

func TestProcess_DebitRaceSettlesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)

	// A concurrent debit empties the wallet between the funds check and the
	// commit transaction.
	f.gateway.topUpFunc = func(context.Context, providerdomain.TopUpOrder) (providerdomain.TopUpResult, error) {
		require.NoError(t, f.db.Exec(`UPDATE wallets SET balance_cents = 0 WHERE company_id = ?`, s.employee.CompanyID).Error)
		return providerdomain.TopUpResult{TopUpID: "topup-race", Status: "ok"}, nil
	}

	err := f.engine.Process(ctx, s.record.ID)
	require.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)

	got := f.reload(t, s.record.ID)
	assert.Equal(t, esimdomain.StatusExpired, got.Status)
	// The lock must never be left at processing: no fresh expiry transition
	// can happen on an already-expired record to clear it.
	assert.Equal(t, esimdomain.RenewalStateProcessed, got.RenewalState)
	assert.NotEmpty(t, got.Metadata[esimdomain.MetaRenewalError])
	assert.Zero(t, got.RenewalCount)

	// The settled lock keeps retries from charging again once funds return.
	f.gateway.topUpFunc = nil
	require.NoError(t, f.db.Exec(`UPDATE wallets SET balance_cents = 1000 WHERE company_id = ?`, s.employee.CompanyID).Error)
	require.NoError(t, f.engine.Process(ctx, s.record.ID))
	assert.Equal(t, 1, f.gateway.topUpCalls)

	var debits int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM wallet_debits WHERE esim_id = ?`, s.record.ID).Scan(&debits).Error)
	assert.Zero(t, debits)
}

func TestProcess_NotEligibleReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)

	// The record was revived by a webhook between claim and processing.
	record := f.reload(t, s.record.ID)
	record.Status = esimdomain.StatusActivated
	require.NoError(t, f.esimRepo.Update(ctx, f.db, record))

	require.NoError(t, f.engine.Process(ctx, s.record.ID))

	got := f.reload(t, s.record.ID)
	assert.Equal(t, esimdomain.StatusActivated, got.Status)
	assert.Equal(t, esimdomain.RenewalStateIdle, got.RenewalState)
	assert.Zero(t, f.gateway.topUpCalls)
}

func TestVerify_ConfirmsActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)
	require.NoError(t, f.engine.Process(ctx, s.record.ID))

	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.engine.Verify(ctx, s.record.ID))

	got := f.reload(t, s.record.ID)
	assert.Equal(t, esimdomain.StatusActivated, got.Status)
	assert.True(t, got.RenewalVerified)
	assert.Nil(t, got.RenewalVerifyAfter)
	assert.Equal(t, "activated", got.LastProviderStatus)

	// Verified records verify again as a no-op.
	require.NoError(t, f.engine.Verify(ctx, s.record.ID))
}

func TestVerify_FailureDropsBackToExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)
	require.NoError(t, f.engine.Process(ctx, s.record.ID))

	f.gateway.queryFunc = func(_ context.Context, orderID string) (providerdomain.OrderStatus, error) {
		return providerdomain.OrderStatus{OrderID: orderID, Status: "failed"}, nil
	}

	f.clock.Advance(3 * time.Minute)
	require.NoError(t, f.engine.Verify(ctx, s.record.ID))

	got := f.reload(t, s.record.ID)
	assert.Equal(t, esimdomain.StatusExpired, got.Status)
	assert.True(t, got.RenewalVerified)
	assert.Nil(t, got.RenewalVerifyAfter)
	assert.Equal(t, "failed", got.Metadata[esimdomain.MetaVerificationError])

	employee, err := f.ownerRepo.FindByID(ctx, f.db, s.employee.ID)
	require.NoError(t, err)
	assert.Zero(t, employee.CurrentPlanID)
	assert.Nil(t, employee.PlanExpiresAt)
}

func TestVerify_TransientErrorLeavesVerificationPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.seedExpired(t, 1000)
	require.NoError(t, f.engine.Process(ctx, s.record.ID))

	f.gateway.queryFunc = func(context.Context, string) (providerdomain.OrderStatus, error) {
		return providerdomain.OrderStatus{}, providerdomain.ErrTransient
	}

	f.clock.Advance(3 * time.Minute)
	err := f.engine.Verify(ctx, s.record.ID)
	require.ErrorIs(t, err, providerdomain.ErrTransient)

	got := f.reload(t, s.record.ID)
	assert.False(t, got.RenewalVerified)
	assert.NotNil(t, got.RenewalVerifyAfter)
}
