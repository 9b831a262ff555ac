// Package client implements the HTTP gateway to the eSIM provider.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/simvault/internal/config"
	"github.com/smallbiznis/simvault/internal/metrics"
	providerdomain "github.com/smallbiznis/simvault/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Client struct {
	http *http.Client
	cfg  config.ProviderConfig
	log  *zap.Logger
}

type Param struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func New(p Param) providerdomain.Gateway {
	return &Client{
		http: &http.Client{Timeout: p.Cfg.Provider.CallTimeout},
		cfg:  p.Cfg.Provider,
		log:  p.Log.Named("provider.client"),
	}
}

func (c *Client) QueryStatus(ctx context.Context, orderID string) (providerdomain.OrderStatus, error) {
	var status providerdomain.OrderStatus
	err := c.call(ctx, metrics.ProviderCallQueryStatus, http.MethodGet,
		fmt.Sprintf("/v1/orders/%s", orderID), nil, &status)
	return status, err
}

func (c *Client) Purchase(ctx context.Context, order providerdomain.PurchaseOrder) (providerdomain.PurchaseResult, error) {
	var result providerdomain.PurchaseResult
	err := c.call(ctx, metrics.ProviderCallPurchase, http.MethodPost, "/v1/orders", order, &result)
	return result, err
}

func (c *Client) TopUp(ctx context.Context, order providerdomain.TopUpOrder) (providerdomain.TopUpResult, error) {
	var result providerdomain.TopUpResult
	err := c.call(ctx, metrics.ProviderCallTopUp, http.MethodPost,
		fmt.Sprintf("/v1/esims/%s/topups", order.ICCID), order, &result)
	return result, err
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	err := c.call(ctx, metrics.ProviderCallCancel, http.MethodPost,
		fmt.Sprintf("/v1/orders/%s/cancel", orderID), nil, nil)
	// Cancelling twice is a success: the provider answers 409 once the
	// order is already cancelled.
	if errors.Is(err, providerdomain.ErrRejected) {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.code == http.StatusConflict {
			return nil
		}
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider responded %d: %s", e.code, e.body)
}

// call runs one provider request with bounded exponential retries on
// transient failures. Permanent refusals and 404s return immediately.
func (c *Client) call(ctx context.Context, name, method, path string, in, out any) error {
	operation := func() error {
		err := c.once(ctx, method, path, in, out)
		switch {
		case err == nil:
			metrics.Reconciler().IncProviderCall(name, metrics.ProviderOutcomeOK)
			return nil
		case errors.Is(err, providerdomain.ErrTransient):
			metrics.Reconciler().IncProviderCall(name, metrics.ProviderOutcomeTransient)
			return err
		default:
			metrics.Reconciler().IncProviderCall(name, metrics.ProviderOutcomeFailed)
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.cfg.InitialBackoff)),
		uint64(c.cfg.MaxRetries),
	), ctx)

	err := backoff.Retry(operation, policy)
	if err != nil {
		c.log.Warn("provider call failed",
			zap.String("call", name),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", providerdomain.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", providerdomain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	case resp.StatusCode == http.StatusNotFound:
		return providerdomain.ErrOrderNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %v", providerdomain.ErrTransient, &statusError{code: resp.StatusCode, body: truncate(raw)})
	default:
		return fmt.Errorf("%w: %w", providerdomain.ErrRejected, &statusError{code: resp.StatusCode, body: truncate(raw)})
	}
}

func truncate(raw []byte) string {
	const max = 256
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}
