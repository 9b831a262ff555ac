// Package lifecycle holds the pure decision logic for eSIM status changes.
// Decide never touches storage; callers apply its outcome transactionally.
package lifecycle

import (
	"strings"

	"github.com/smallbiznis/simvault/internal/esim/domain"
)

// Provider status classes. Providers disagree on exact spellings so each
// class matches a family of values after normalization.
var (
	cancellationStatuses = map[string]struct{}{
		"cancelled": {}, "canceled": {}, "cancel": {}, "refunded": {}, "terminated": {},
	}
	expiryStatuses = map[string]struct{}{
		"expired": {}, "depleted": {}, "disabled": {}, "revoked": {}, "used_up": {}, "used-up": {}, "usedup": {}, "exhausted": {},
	}
	activationStatuses = map[string]struct{}{
		"activated": {}, "active": {}, "in_use": {}, "in-use": {}, "installed": {}, "enabled": {}, "got_resource": {},
	}
	smdpActiveStatuses = map[string]struct{}{
		"enabled": {}, "enable": {}, "installed": {}, "confirmed": {}, "released": {}, "downloaded": {},
	}
)

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func inClass(status string, class map[string]struct{}) bool {
	_, ok := class[normalize(status)]
	return ok
}

// IsCancellationStatus reports whether a provider status means the order was
// cancelled or refunded upstream.
func IsCancellationStatus(status string) bool { return inClass(status, cancellationStatuses) }

// IsExpiryStatus reports whether a provider status means the profile can no
// longer pass traffic.
func IsExpiryStatus(status string) bool { return inClass(status, expiryStatuses) }

// IsActivationStatus reports whether a provider status indicates the profile
// is live on a device.
func IsActivationStatus(status string) bool { return inClass(status, activationStatuses) }

// Decide evaluates one provider signal against the current record and returns
// what should happen. Rules apply in strict priority order: cancellation,
// expiry, activation, usage refresh, provenance refresh. A signal carrying
// both activation and expiry evidence therefore resolves to expired.
func Decide(record domain.Esim, signal domain.ProviderSignal) domain.Decision {
	// Cancelled is absorbing: keep provenance fresh, change nothing else.
	if record.Status == domain.StatusCancelled {
		if signal.ProviderStatus != "" || signal.SMDPStatus != "" {
			return domain.Decision{Kind: domain.DecisionProvenance}
		}
		return domain.Decision{Kind: domain.DecisionNone}
	}

	if shouldCancel(record, signal) {
		return domain.Decision{
			Kind:                 domain.DecisionTransition,
			NextStatus:           domain.StatusCancelled,
			ResetOwnerPlanIfSole: true,
		}
	}

	if IsExpiryStatus(signal.ProviderStatus) || usageDepleted(record, signal) {
		if record.Status == domain.StatusExpired {
			return domain.Decision{Kind: domain.DecisionProvenance}
		}
		d := domain.Decision{
			Kind:       domain.DecisionTransition,
			NextStatus: domain.StatusExpired,
		}
		// A fresh expiry starts a new cycle: a processed lock from the
		// previous cycle is cleared at apply time, so only an in-flight
		// attempt blocks the handoff.
		if record.AutoRenew && record.RenewalState != domain.RenewalStateProcessing {
			d.HandOffRenewal = true
		} else if !record.AutoRenew {
			d.ResetOwnerPlan = true
		}
		return d
	}

	if record.Status == domain.StatusPending || record.Status == domain.StatusWaitingForActivation {
		if activationEvidence(signal) {
			d := domain.Decision{
				Kind:       domain.DecisionTransition,
				NextStatus: domain.StatusActivated,
				UsageBytes: signal.UsageBytes,
				TotalBytes: signal.TotalBytes,
			}
			if ts, ok := signal.ParsedActivatedAt(); ok {
				d.ActivatedAt = ts
			} else {
				d.ActivatedAt = signal.ReceivedAt.UTC()
			}
			return d
		}
	}

	if record.Status == domain.StatusActivated && (signal.UsageBytes != nil || signal.TotalBytes != nil) {
		return domain.Decision{
			Kind:       domain.DecisionUsage,
			UsageBytes: signal.UsageBytes,
			TotalBytes: signal.TotalBytes,
		}
	}

	if signal.ProviderStatus != "" || signal.SMDPStatus != "" {
		return domain.Decision{Kind: domain.DecisionProvenance}
	}
	return domain.Decision{Kind: domain.DecisionNone}
}

func shouldCancel(record domain.Esim, signal domain.ProviderSignal) bool {
	if IsCancellationStatus(signal.ProviderStatus) {
		return true
	}
	// Local bookkeeping can mark a record refunded before the provider
	// reflects it; treat that as cancellation evidence too.
	if flagged, ok := record.Metadata[domain.MetaRefunded].(bool); ok && flagged {
		return true
	}
	if flagged, ok := record.Metadata[domain.MetaCancelFlagged].(bool); ok && flagged {
		return true
	}
	return false
}

// usageDepleted reports whether the counters alone show the allotment is
// consumed. Some providers keep reporting an active status after the last
// byte is gone, so a full meter ranks as expiry evidence on its own. The one
// exception is a renewal awaiting verification: the provider can still serve
// the pre-top-up meter during that window, and reading it as a fresh
// expiration would trigger another paid cycle.
func usageDepleted(record domain.Esim, signal domain.ProviderSignal) bool {
	if !record.RenewalVerified {
		return false
	}
	if signal.UsageBytes == nil {
		return false
	}
	total := record.DataTotalBytes
	if signal.TotalBytes != nil {
		total = *signal.TotalBytes
	}
	return total > 0 && *signal.UsageBytes >= total
}

// activationEvidence applies the three-way activation test: an explicit
// activation-class status, a parseable activation or installation timestamp,
// or an active SMDP state combined with observed usage.
func activationEvidence(signal domain.ProviderSignal) bool {
	if IsActivationStatus(signal.ProviderStatus) {
		return true
	}
	if signal.HasActivationTimestamp() {
		return true
	}
	if inClass(signal.SMDPStatus, smdpActiveStatuses) && signal.UsageBytes != nil && *signal.UsageBytes > 0 {
		return true
	}
	return false
}
