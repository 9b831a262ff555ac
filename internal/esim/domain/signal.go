package domain

import (
	"strings"
	"time"
)

// ProviderSignal is the normalized view of one provider observation, whether
// it arrived through a webhook delivery or a polling sweep. Timestamp fields
// keep the provider's raw string form because some providers send the literal
// string "null" instead of omitting the field.
type ProviderSignal struct {
	ProviderStatus string
	SMDPStatus     string

	ActivatedAtRaw string
	InstalledAtRaw string

	UsageBytes *int64
	TotalBytes *int64

	ICCID          string
	ActivationCode string

	Channel    Channel
	ReceivedAt time.Time
}

// ParsedActivatedAt returns the activation timestamp the provider reported,
// falling back to the installation timestamp. Literal "null" and empty values
// are treated as absent.
func (s ProviderSignal) ParsedActivatedAt() (time.Time, bool) {
	for _, raw := range []string{s.ActivatedAtRaw, s.InstalledAtRaw} {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.EqualFold(raw, "null") {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// HasActivationTimestamp reports whether either timestamp field carries a
// parseable value.
func (s ProviderSignal) HasActivationTimestamp() bool {
	_, ok := s.ParsedActivatedAt()
	return ok
}

// DecisionKind classifies what a signal means for a record.
type DecisionKind string

const (
	// DecisionNone means the signal carried nothing usable.
	DecisionNone DecisionKind = "none"
	// DecisionProvenance refreshes sync bookkeeping only.
	DecisionProvenance DecisionKind = "provenance"
	// DecisionUsage refreshes usage counters without a status change.
	DecisionUsage DecisionKind = "usage"
	// DecisionTransition moves the record to a new status.
	DecisionTransition DecisionKind = "transition"
)

// Decision is the pure outcome of evaluating a signal against a record. The
// service layer applies it transactionally.
type Decision struct {
	Kind       DecisionKind
	NextStatus EsimStatus

	// ActivatedAt is set when NextStatus is activated.
	ActivatedAt time.Time

	UsageBytes *int64
	TotalBytes *int64

	// HandOffRenewal is set on a fresh transition to expired when the record
	// has auto-renew enabled and no renewal attempt in flight.
	HandOffRenewal bool

	// ResetOwnerPlan releases the owner's active plan slot. For cancellation
	// it only applies when this record is the owner's sole non-terminal eSIM,
	// which the service checks at apply time.
	ResetOwnerPlan       bool
	ResetOwnerPlanIfSole bool
}

// Transitioned reports whether the decision changes the record's status.
func (d Decision) Transitioned() bool { return d.Kind == DecisionTransition }
