package lifecycle

import (
	"testing"
	"time"

	"github.com/smallbiznis/simvault/internal/esim/domain"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func i64(v int64) *int64 { return &v }

func TestDecide_PriorityOrdering(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record domain.Esim
		signal domain.ProviderSignal
		want   domain.Decision
	}{
		{
			name:   "explicit cancel wins over everything",
			record: domain.Esim{Status: domain.StatusActivated},
			signal: domain.ProviderSignal{ProviderStatus: "CANCELLED", UsageBytes: i64(100)},
			want: domain.Decision{
				Kind:                 domain.DecisionTransition,
				NextStatus:           domain.StatusCancelled,
				ResetOwnerPlanIfSole: true,
			},
		},
		{
			name:   "local refund flag cancels even with live provider status",
			record: domain.Esim{Status: domain.StatusActivated, Metadata: datatypes.JSONMap{domain.MetaRefunded: true}},
			signal: domain.ProviderSignal{ProviderStatus: "ACTIVE"},
			want: domain.Decision{
				Kind:                 domain.DecisionTransition,
				NextStatus:           domain.StatusCancelled,
				ResetOwnerPlanIfSole: true,
			},
		},
		{
			name:   "depleted expires an activated record without auto-renew",
			record: domain.Esim{Status: domain.StatusActivated},
			signal: domain.ProviderSignal{ProviderStatus: "DEPLETED"},
			want: domain.Decision{
				Kind:           domain.DecisionTransition,
				NextStatus:     domain.StatusExpired,
				ResetOwnerPlan: true,
			},
		},
		{
			name:   "expiry with auto-renew and idle lock hands off to renewal",
			record: domain.Esim{Status: domain.StatusActivated, AutoRenew: true},
			signal: domain.ProviderSignal{ProviderStatus: "USED_UP"},
			want: domain.Decision{
				Kind:           domain.DecisionTransition,
				NextStatus:     domain.StatusExpired,
				HandOffRenewal: true,
			},
		},
		{
			name:   "expiry with auto-renew but lock held does not hand off",
			record: domain.Esim{Status: domain.StatusActivated, AutoRenew: true, RenewalState: domain.RenewalStateProcessing},
			signal: domain.ProviderSignal{ProviderStatus: "EXPIRED"},
			want: domain.Decision{
				Kind:       domain.DecisionTransition,
				NextStatus: domain.StatusExpired,
			},
		},
		{
			name:   "full meter expires even while provider still reports active",
			record: domain.Esim{Status: domain.StatusActivated, DataTotalBytes: 1024, RenewalVerified: true},
			signal: domain.ProviderSignal{ProviderStatus: "ACTIVE", UsageBytes: i64(1024)},
			want: domain.Decision{
				Kind:           domain.DecisionTransition,
				NextStatus:     domain.StatusExpired,
				ResetOwnerPlan: true,
			},
		},
		{
			name: "full meter during an unverified top-up is a usage refresh",
			record: domain.Esim{
				Status:          domain.StatusActivated,
				AutoRenew:       true,
				RenewalState:    domain.RenewalStateProcessed,
				DataTotalBytes:  2048,
				RenewalVerified: false,
			},
			signal: domain.ProviderSignal{ProviderStatus: "ACTIVE", UsageBytes: i64(2048)},
			want: domain.Decision{
				Kind:       domain.DecisionUsage,
				UsageBytes: i64(2048),
			},
		},
		{
			name:   "usage at 100 percent on first sight expires, not activates",
			record: domain.Esim{Status: domain.StatusWaitingForActivation, RenewalVerified: true},
			signal: domain.ProviderSignal{
				ProviderStatus: "ACTIVE",
				ActivatedAtRaw: "2026-03-01T10:00:00Z",
				UsageBytes:     i64(2048),
				TotalBytes:     i64(2048),
			},
			want: domain.Decision{
				Kind:           domain.DecisionTransition,
				NextStatus:     domain.StatusExpired,
				ResetOwnerPlan: true,
			},
		},
		{
			name:   "activation and expiry evidence together resolve to expired",
			record: domain.Esim{Status: domain.StatusWaitingForActivation},
			signal: domain.ProviderSignal{
				ProviderStatus: "REVOKED",
				ActivatedAtRaw: "2026-03-01T10:00:00Z",
			},
			want: domain.Decision{
				Kind:           domain.DecisionTransition,
				NextStatus:     domain.StatusExpired,
				ResetOwnerPlan: true,
			},
		},
		{
			name:   "activation-class status activates from waiting",
			record: domain.Esim{Status: domain.StatusWaitingForActivation},
			signal: domain.ProviderSignal{ProviderStatus: "IN_USE", ReceivedAt: received, UsageBytes: i64(0)},
			want: domain.Decision{
				Kind:        domain.DecisionTransition,
				NextStatus:  domain.StatusActivated,
				ActivatedAt: received,
				UsageBytes:  i64(0),
			},
		},
		{
			name:   "provider timestamp preferred over processing time",
			record: domain.Esim{Status: domain.StatusPending},
			signal: domain.ProviderSignal{
				ProviderStatus: "unknown",
				ActivatedAtRaw: "2026-02-28T08:30:00Z",
				ReceivedAt:     received,
			},
			want: domain.Decision{
				Kind:        domain.DecisionTransition,
				NextStatus:  domain.StatusActivated,
				ActivatedAt: time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC),
			},
		},
		{
			name:   "literal null timestamp is not activation evidence",
			record: domain.Esim{Status: domain.StatusWaitingForActivation},
			signal: domain.ProviderSignal{ProviderStatus: "processing", ActivatedAtRaw: "null", ReceivedAt: received},
			want:   domain.Decision{Kind: domain.DecisionProvenance},
		},
		{
			name:   "smdp enabled plus nonzero usage activates",
			record: domain.Esim{Status: domain.StatusWaitingForActivation},
			signal: domain.ProviderSignal{SMDPStatus: "ENABLED", UsageBytes: i64(1024), ReceivedAt: received},
			want: domain.Decision{
				Kind:        domain.DecisionTransition,
				NextStatus:  domain.StatusActivated,
				ActivatedAt: received,
				UsageBytes:  i64(1024),
			},
		},
		{
			name:   "smdp enabled with zero usage is provenance only",
			record: domain.Esim{Status: domain.StatusWaitingForActivation},
			signal: domain.ProviderSignal{SMDPStatus: "ENABLED", UsageBytes: i64(0), ReceivedAt: received},
			want:   domain.Decision{Kind: domain.DecisionProvenance},
		},
		{
			name:   "usage refresh while activated",
			record: domain.Esim{Status: domain.StatusActivated},
			signal: domain.ProviderSignal{ProviderStatus: "ACTIVE", UsageBytes: i64(2048), TotalBytes: i64(5368709120)},
			want: domain.Decision{
				Kind:       domain.DecisionUsage,
				UsageBytes: i64(2048),
				TotalBytes: i64(5368709120),
			},
		},
		{
			name:   "activation status while already activated is usage refresh not re-activation",
			record: domain.Esim{Status: domain.StatusActivated},
			signal: domain.ProviderSignal{ProviderStatus: "ACTIVATED", UsageBytes: i64(10)},
			want: domain.Decision{
				Kind:       domain.DecisionUsage,
				UsageBytes: i64(10),
			},
		},
		{
			name:   "unrecognized status is provenance only",
			record: domain.Esim{Status: domain.StatusPending},
			signal: domain.ProviderSignal{ProviderStatus: "PROVISIONING"},
			want:   domain.Decision{Kind: domain.DecisionProvenance},
		},
		{
			name:   "empty signal is a no-op",
			record: domain.Esim{Status: domain.StatusPending},
			signal: domain.ProviderSignal{},
			want:   domain.Decision{Kind: domain.DecisionNone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.record, tt.signal)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide_CancelledIsAbsorbing(t *testing.T) {
	record := domain.Esim{Status: domain.StatusCancelled}

	signals := []domain.ProviderSignal{
		{ProviderStatus: "ACTIVE", UsageBytes: i64(100)},
		{ProviderStatus: "EXPIRED"},
		{ProviderStatus: "CANCELLED"},
		{ActivatedAtRaw: "2026-01-01T00:00:00Z", SMDPStatus: "ENABLED", UsageBytes: i64(9)},
	}
	for _, sig := range signals {
		got := Decide(record, sig)
		assert.NotEqual(t, domain.DecisionTransition, got.Kind)
	}

	// Nothing usable at all.
	got := Decide(record, domain.ProviderSignal{})
	assert.Equal(t, domain.DecisionNone, got.Kind)
}

func TestDecide_Convergence(t *testing.T) {
	// Applying the same expiry signal twice yields a transition then a
	// provenance refresh, never a second transition.
	record := domain.Esim{Status: domain.StatusActivated}
	signal := domain.ProviderSignal{ProviderStatus: "DEPLETED"}

	first := Decide(record, signal)
	assert.Equal(t, domain.DecisionTransition, first.Kind)
	assert.Equal(t, domain.StatusExpired, first.NextStatus)

	record.Status = first.NextStatus
	second := Decide(record, signal)
	assert.Equal(t, domain.DecisionProvenance, second.Kind)
}

func TestDecide_ActivationNotFromExpired(t *testing.T) {
	// Revival of an expired record is the renewal engine's job; a raw
	// activation signal only refreshes provenance.
	record := domain.Esim{Status: domain.StatusExpired}
	got := Decide(record, domain.ProviderSignal{ProviderStatus: "ACTIVE", UsageBytes: i64(50)})
	assert.Equal(t, domain.DecisionProvenance, got.Kind)
}

func TestStatusClasses(t *testing.T) {
	assert.True(t, IsCancellationStatus("Refunded"))
	assert.True(t, IsExpiryStatus("used-up"))
	assert.True(t, IsActivationStatus("GOT_RESOURCE"))
	assert.False(t, IsActivationStatus("pending"))
}
