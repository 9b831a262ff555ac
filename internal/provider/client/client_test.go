package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/simvault/internal/config"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) providerdomain.Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Param{
		Cfg: config.Config{
			Provider: config.ProviderConfig{
				BaseURL:        srv.URL,
				APIKey:         "test-key",
				CallTimeout:    2 * time.Second,
				MaxRetries:     2,
				InitialBackoff: time.Millisecond,
			},
		},
		Log: zap.NewNop(),
	})
}

func TestQueryStatus_ParsesWireShape(t *testing.T) {
	gw := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/ord_123", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"order_id": "ord_123",
			"status": "IN_USE",
			"smdp_status": "ENABLED",
			"iccid": "8910390000012345678",
			"activated_at": "null",
			"usage_bytes": 1024
		}`))
	}))

	status, err := gw.QueryStatus(context.Background(), "ord_123")
	require.NoError(t, err)
	assert.Equal(t, "IN_USE", status.Status)
	assert.Equal(t, "ENABLED", status.SMDPStatus)
	assert.Equal(t, "null", status.ActivatedAt)
	require.NotNil(t, status.UsageBytes)
	assert.Equal(t, int64(1024), *status.UsageBytes)
}

func TestTopUp_AddressesProfileByICCID(t *testing.T) {
	gw := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/esims/8910390000012345678/topups", r.URL.Path)
		w.Write([]byte(`{"topup_id": "tu_77", "status": "ok"}`))
	}))

	result, err := gw.TopUp(context.Background(), providerdomain.TopUpOrder{
		ICCID:    "8910390000012345678",
		PlanCode: "plan-5gb",
	})
	require.NoError(t, err)
	assert.Equal(t, "tu_77", result.TopUpID)
}

func TestCall_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	gw := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"order_id": "ord_1", "status": "ACTIVE"}`))
	}))

	status, err := gw.QueryStatus(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", status.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	gw := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := gw.QueryStatus(context.Background(), "gone")
	assert.ErrorIs(t, err, providerdomain.ErrOrderNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancel_AlreadyCancelledSucceeds(t *testing.T) {
	gw := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/ord_9/cancel", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "order already cancelled"}`))
	}))

	err := gw.Cancel(context.Background(), "ord_9")
	assert.NoError(t, err)
}

func TestCancel_RejectionPropagates(t *testing.T) {
	gw := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	err := gw.Cancel(context.Background(), "ord_10")
	assert.ErrorIs(t, err, providerdomain.ErrRejected)
}
