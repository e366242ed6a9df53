// Package capacity decides whether a provider's slot can admit another
// active appointment. Counting and inserting happen atomically inside the
// storage layer; the gate resolves limits and formats refusals.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// DefaultLimit is the number of concurrent appointments a provider accepts per slot.
const DefaultLimit = 1

// Counter counts pending+confirmed appointments at an exact slot instant.
type Counter interface {
	CountActive(ctx context.Context, providerID string, slot time.Time) (int, error)
}

// InsertFunc performs the atomic count-then-insert for a resolved limit.
type InsertFunc func(ctx context.Context, limit int) error

// Gate resolves capacity limits for slots.
type Gate struct {
	limits       Limits
	counter      Counter
	defaultLimit int
	logger       *logging.Logger
}

func NewGate(limits Limits, counter Counter, logger *logging.Logger) *Gate {
	if limits == nil {
		limits = StaticLimits{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{
		limits:       limits,
		counter:      counter,
		defaultLimit: DefaultLimit,
		logger:       logger,
	}
}

// WithDefaultLimit sets the limit used when the limit source fails.
func (g *Gate) WithDefaultLimit(limit int) *Gate {
	if limit > 0 {
		g.defaultLimit = limit
	}
	return g
}

// WithCounter attaches the active-appointment counter after construction.
func (g *Gate) WithCounter(counter Counter) *Gate {
	g.counter = counter
	return g
}

// Limit returns the provider's concurrent-slot limit, never below 1.
func (g *Gate) Limit(ctx context.Context, providerID string) int {
	limit, err := g.limits.Limit(ctx, providerID)
	if err != nil {
		g.logger.Warn("capacity limit lookup failed, using default", "error", err, "provider_id", providerID)
		return g.defaultLimit
	}
	if limit < 1 {
		return g.defaultLimit
	}
	return limit
}

// Remaining reports how many more appointments the slot can take.
func (g *Gate) Remaining(ctx context.Context, providerID string, slot time.Time) (int, error) {
	if g.counter == nil {
		return 0, fmt.Errorf("capacity: counter not configured")
	}
	active, err := g.counter.CountActive(ctx, providerID, slot.UTC())
	if err != nil {
		return 0, fmt.Errorf("capacity: count active: %w", err)
	}
	remaining := g.Limit(ctx, providerID) - active
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Admit runs insert with the provider's limit. insert must count and write in
// one atomic step and refuse with Check when the slot is full.
func (g *Gate) Admit(ctx context.Context, providerID string, insert InsertFunc) error {
	return insert(ctx, g.Limit(ctx, providerID))
}

// Check returns CapacityExceeded when active has reached limit.
func Check(active, limit int, providerID string, slot time.Time) error {
	if active < limit {
		return nil
	}
	return apperr.CapacityExceeded("slot %s for provider %s is full (%d of %d booked)",
		slot.UTC().Format(time.RFC3339), providerID, active, limit)
}
