// Package domain defines the contract with the upstream eSIM provisioning
// API. The rest of the system only sees this interface; transport details
// stay in the client package.
package domain

import (
	"context"
	"errors"
)

var (
	// ErrOrderNotFound means the provider has no record of the order.
	ErrOrderNotFound = errors.New("provider_order_not_found")
	// ErrTransient wraps failures worth retrying (timeouts, 5xx, broken
	// connections).
	ErrTransient = errors.New("provider_transient_failure")
	// ErrRejected wraps definitive provider refusals (4xx other than 404).
	ErrRejected = errors.New("provider_request_rejected")
)

// OrderStatus is the provider's view of one order, kept close to the wire
// shape. Timestamp fields stay raw strings because some providers send the
// literal "null".
type OrderStatus struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	SMDPStatus     string `json:"smdp_status"`
	ICCID          string `json:"iccid"`
	ActivationCode string `json:"activation_code"`
	ActivatedAt    string `json:"activated_at"`
	InstalledAt    string `json:"installed_at"`
	UsageBytes     *int64 `json:"usage_bytes"`
	TotalBytes     *int64 `json:"total_bytes"`
}

// PurchaseOrder requests a fresh eSIM profile on a plan.
type PurchaseOrder struct {
	PlanCode string `json:"plan_code"`
	Email    string `json:"email,omitempty"`
}

// PurchaseResult is the provider's acknowledgement of a new order.
type PurchaseResult struct {
	OrderID        string `json:"order_id"`
	ICCID          string `json:"iccid"`
	ActivationCode string `json:"activation_code"`
}

// TopUpOrder adds a plan cycle to an existing profile, addressed by its
// ICCID. The profile stays on the device; no new QR scan is needed.
type TopUpOrder struct {
	ICCID    string `json:"iccid"`
	PlanCode string `json:"plan_code"`
}

// TopUpResult acknowledges a top-up. TopUpID identifies the new cycle and
// doubles as the renewal order id in local bookkeeping.
type TopUpResult struct {
	TopUpID string `json:"topup_id"`
	Status  string `json:"status"`
}

// Gateway is the outbound provisioning surface.
type Gateway interface {
	QueryStatus(ctx context.Context, orderID string) (OrderStatus, error)
	Purchase(ctx context.Context, order PurchaseOrder) (PurchaseResult, error)
	TopUp(ctx context.Context, order TopUpOrder) (TopUpResult, error)

	// Cancel revokes an order upstream. Cancelling an order the provider
	// already cancelled succeeds.
	Cancel(ctx context.Context, orderID string) error
}
