package policy

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/slotkeeper/internal/observability/metrics"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

var policyTracer = otel.Tracer("slotkeeper.internal.policy")

// Resolver returns the effective policy for a provider.
type Resolver struct {
	store            Store
	cache            *RedisCache
	defaultThreshold int
	logger           *logging.Logger
	metrics          *metrics.ArbiterMetrics
}

func NewResolver(store Store, logger *logging.Logger) *Resolver {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		store:            store,
		defaultThreshold: DefaultThresholdHours,
		logger:           logger,
	}
}

func (r *Resolver) WithCache(cache *RedisCache) *Resolver {
	r.cache = cache
	return r
}

func (r *Resolver) WithMetrics(m *metrics.ArbiterMetrics) *Resolver {
	r.metrics = m
	return r
}

// WithDefaultThreshold overrides the threshold used when no policy is stored.
func (r *Resolver) WithDefaultThreshold(hours int) *Resolver {
	if hours >= 0 {
		r.defaultThreshold = hours
	}
	return r
}

func (r *Resolver) defaults(providerID string) Policy {
	p := Default(providerID)
	p.ThresholdHours = r.defaultThreshold
	return p
}

// Resolve never fails. Missing policies and store errors yield the defaults.
func (r *Resolver) Resolve(ctx context.Context, providerID string) Policy {
	ctx, span := policyTracer.Start(ctx, "policy.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("slotkeeper.provider_id", providerID))

	if r.cache != nil {
		p, ok, err := r.cache.Get(ctx, providerID)
		if err != nil {
			r.logger.Warn("policy cache read failed", "error", err, "provider_id", providerID)
		} else if ok {
			return p
		}
	}

	p, err := r.store.Get(ctx, providerID)
	switch {
	case errors.Is(err, ErrNoPolicy):
		p = r.defaults(providerID)
	case err != nil:
		span.RecordError(err)
		r.metrics.ObservePolicyFallback()
		r.logger.Warn("policy lookup failed, using defaults", "error", err, "provider_id", providerID)
		return r.defaults(providerID)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, p); err != nil {
			r.logger.Warn("policy cache write failed", "error", err, "provider_id", providerID)
		}
	}
	return p
}

// Update stores a provider-edited policy and drops any cached copy.
func (r *Resolver) Update(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	saved, err := r.store.Upsert(ctx, p)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: update: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, p.ProviderID); err != nil {
			r.logger.Warn("policy cache invalidate failed", "error", err, "provider_id", p.ProviderID)
		}
	}
	r.logger.Info("cancellation policy updated",
		"provider_id", saved.ProviderID,
		"threshold_hours", saved.ThresholdHours,
		"no_show_counts", saved.NoShowCounts,
	)
	return saved, nil
}
