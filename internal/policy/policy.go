// Package policy resolves a provider's cancellation policy. Resolution is
// total: a provider with no stored policy gets the defaults.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/slotkeeper/internal/apperr"
)

const (
	// DefaultThresholdHours is the late-cancellation window applied without a stored policy.
	DefaultThresholdHours = 24
	maxThresholdHours     = 24 * 30
	maxClientMessageLen   = 1000
)

// ErrNoPolicy is returned by a Store when the provider has no stored policy.
var ErrNoPolicy = errors.New("policy: not configured")

// Policy is a provider's cancellation policy.
type Policy struct {
	ProviderID     string    `json:"provider_id"`
	ThresholdHours int       `json:"threshold_hours"`
	NoShowCounts   bool      `json:"no_show_counts"`
	ClientMessage  string    `json:"client_message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Default returns the policy applied when a provider has none stored.
func Default(providerID string) Policy {
	return Policy{
		ProviderID:     providerID,
		ThresholdHours: DefaultThresholdHours,
		NoShowCounts:   true,
	}
}

// Threshold returns the late-cancellation window as a duration.
func (p Policy) Threshold() time.Duration {
	return time.Duration(p.ThresholdHours) * time.Hour
}

// IsLate reports whether cancelling at now falls inside the late window before start.
func (p Policy) IsLate(start, now time.Time) bool {
	return now.After(start.Add(-p.Threshold()))
}

// Validate checks provider-supplied values.
func (p Policy) Validate() error {
	if p.ProviderID == "" {
		return apperr.InvalidInput("provider id is required")
	}
	if p.ThresholdHours < 0 || p.ThresholdHours > maxThresholdHours {
		return apperr.InvalidInput("threshold_hours must be between 0 and %d", maxThresholdHours)
	}
	if len(p.ClientMessage) > maxClientMessageLen {
		return apperr.InvalidInput("client_message must be at most %d characters", maxClientMessageLen)
	}
	return nil
}

// Store persists policies.
type Store interface {
	Get(ctx context.Context, providerID string) (Policy, error)
	Upsert(ctx context.Context, p Policy) (Policy, error)
}
