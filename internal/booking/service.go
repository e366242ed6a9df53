package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/capacity"
	"github.com/wolfman30/slotkeeper/internal/clock"
	"github.com/wolfman30/slotkeeper/internal/events"
	"github.com/wolfman30/slotkeeper/internal/ledger"
	"github.com/wolfman30/slotkeeper/internal/notify"
	"github.com/wolfman30/slotkeeper/internal/observability/metrics"
	"github.com/wolfman30/slotkeeper/internal/policy"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

var bookingTracer = otel.Tracer("slotkeeper.internal.booking")

const (
	// DefaultPendingTTL is how long a pending request waits before auto-rejection.
	DefaultPendingTTL      = 24 * time.Hour
	DefaultDurationMinutes = 60
	MaxDurationMinutes     = 24 * 60
	maxBulkCancel          = 100
	defaultListLimit       = 50
	maxListLimit           = 100
	effectTimeout          = 10 * time.Second
)

// SlotListener is told when a transition returns a seat to the pool.
type SlotListener interface {
	SlotFreed(ctx context.Context, providerID string, slot time.Time)
}

// PolicyResolver returns the effective cancellation policy for a provider.
type PolicyResolver interface {
	Resolve(ctx context.Context, providerID string) policy.Policy
}

// EventRecorder appends events to the outbox.
type EventRecorder interface {
	Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error)
}

// Service is the appointment state machine.
type Service struct {
	store      Store
	gate       *capacity.Gate
	policies   PolicyResolver
	accountant ledger.Accountant
	notifier   notify.Notifier
	events     EventRecorder
	listener   SlotListener
	clock      clock.Clock
	metrics    *metrics.ArbiterMetrics
	logger     *logging.Logger
	pendingTTL time.Duration
}

// NewService constructs the booking service.
func NewService(store Store, gate *capacity.Gate, policies PolicyResolver, logger *logging.Logger) *Service {
	if store == nil {
		panic("booking: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if gate == nil {
		gate = capacity.NewGate(nil, store, logger)
	}
	if policies == nil {
		policies = policy.NewResolver(nil, logger)
	}
	return &Service{
		store:      store,
		gate:       gate,
		policies:   policies,
		clock:      clock.System{},
		logger:     logger,
		pendingTTL: DefaultPendingTTL,
	}
}

func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = clock.OrSystem(c)
	return s
}

func (s *Service) WithAccountant(a ledger.Accountant) *Service {
	s.accountant = a
	return s
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithEvents(r EventRecorder) *Service {
	s.events = r
	return s
}

func (s *Service) WithMetrics(m *metrics.ArbiterMetrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithPendingTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.pendingTTL = ttl
	}
	return s
}

// SetSlotListener wires waitlist promotion. It is set after construction
// because the waitlist itself books through this service.
func (s *Service) SetSlotListener(l SlotListener) {
	s.listener = l
}

// CreateAppointment books a pending appointment if the slot has capacity.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("slotkeeper.provider_id", req.ProviderID),
		attribute.String("slotkeeper.client_id", req.ClientID),
	)

	now := s.clock.Now()
	if err := normalizeCreate(&req, now); err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:              uuid.NewString(),
		ProviderID:      req.ProviderID,
		ClientID:        req.ClientID,
		StartsAt:        req.StartsAt,
		DurationMinutes: req.DurationMinutes,
		Status:          StatusPending,
		CreditRef:       req.CreditRef,
		PriceCents:      req.PriceCents,
		ClientMessage:   req.ClientMessage,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.gate.Admit(ctx, appt.ProviderID, func(ctx context.Context, limit int) error {
		return s.store.Insert(ctx, appt, limit)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrCapacityExceeded) {
			source := req.Source
			if source == "" {
				source = "direct"
			}
			s.metrics.ObserveCapacityRejection(source)
			return nil, err
		}
		span.RecordError(err)
		return nil, fmt.Errorf("booking: create appointment: %w", err)
	}

	span.SetAttributes(attribute.String("slotkeeper.appointment_id", appt.ID))
	s.metrics.ObserveTransition("new", string(StatusPending))
	s.logger.Info("appointment requested",
		"appointment_id", appt.ID,
		"provider_id", appt.ProviderID,
		"client_id", appt.ClientID,
		"starts_at", appt.StartsAt,
	)

	effCtx, cancel := s.effectContext(ctx)
	defer cancel()
	s.recordTransition(effCtx, "", appt, Actor{ID: appt.ClientID, Role: RoleClient}, "")
	s.notify(effCtx, appt.ProviderID, notify.Event{
		Kind:    notify.KindAppointmentRequested,
		Subject: "New appointment request",
		Data:    appointmentData(appt),
	})
	return appt, nil
}

func normalizeCreate(req *CreateRequest, now time.Time) error {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ProviderID == "" {
		return apperr.InvalidInput("provider_id is required")
	}
	if req.ClientID == "" {
		return apperr.InvalidInput("client_id is required")
	}
	if req.ProviderID == req.ClientID {
		return apperr.InvalidInput("a provider cannot book their own slot")
	}
	if req.StartsAt.IsZero() {
		return apperr.InvalidInput("starts_at is required")
	}
	req.StartsAt = req.StartsAt.UTC().Truncate(time.Second)
	if !req.StartsAt.After(now) {
		return apperr.InvalidInput("starts_at must be in the future")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}
	if req.DurationMinutes < 0 || req.DurationMinutes > MaxDurationMinutes {
		return apperr.InvalidInput("duration_minutes must be between 1 and %d", MaxDurationMinutes)
	}
	if req.PriceCents != nil && *req.PriceCents < 0 {
		return apperr.InvalidInput("price_cents cannot be negative")
	}
	if req.CreditRef != nil && strings.TrimSpace(*req.CreditRef) == "" {
		req.CreditRef = nil
	}
	return nil
}

// Get returns an appointment visible to actor.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*Appointment, error) {
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(appt, actor); err != nil {
		return nil, err
	}
	return appt, nil
}

// List returns appointments scoped to actor.
func (s *Service) List(ctx context.Context, actor Actor, filter ListFilter) ([]*Appointment, error) {
	switch actor.Role {
	case RoleProvider:
		filter.ProviderID = actor.ID
	case RoleClient:
		filter.ClientID = actor.ID
	case RoleSystem:
	default:
		return nil, apperr.NotAuthorized("unknown role %q", actor.Role)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	out, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("booking: list: %w", err)
	}
	return out, nil
}

// StalePending returns pending appointments older than the pending TTL.
func (s *Service) StalePending(ctx context.Context, limit int) ([]*Appointment, error) {
	cutoff := s.clock.Now().Add(-s.pendingTTL)
	out, err := s.store.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("booking: stale pending: %w", err)
	}
	return out, nil
}

// Transition moves an appointment to target on behalf of actor.
//
// Checks run in a fixed order: existence, ownership, table lookup, role,
// guard. Late and on-time cancel variants are interchangeable as targets;
// the stored variant is decided by the provider's policy.
func (s *Service) Transition(ctx context.Context, id string, actor Actor, target Status, reason string) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("slotkeeper.appointment_id", id),
		attribute.String("slotkeeper.actor_role", string(actor.Role)),
		attribute.String("slotkeeper.target", string(target)),
	)

	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(appt, actor); err != nil {
		return nil, err
	}
	r, err := lookupTransition(appt.Status, target)
	if err != nil {
		return nil, err
	}
	if r.role != actor.Role {
		return nil, apperr.NotAuthorized("%s cannot move an appointment from %s to %s", actor.Role, appt.Status, target)
	}

	now := s.clock.Now()
	before := appt.Status
	updated := appt.clone()
	var pol policy.Policy

	switch r.kind {
	case kindConfirm:
		updated.Status = StatusConfirmed
		updated.ConfirmedAt = &now
	case kindReject:
		updated.Status = StatusRejected
		updated.CancelledAt = &now
		updated.CancelReason = reason
	case kindAutoReject:
		age := now.Sub(appt.CreatedAt)
		if age <= s.pendingTTL {
			return nil, apperr.InvalidTransition("pending appointment is %s old; auto-reject requires more than %s",
				age.Truncate(time.Second), s.pendingTTL)
		}
		updated.Status = StatusAutoRejected
		updated.CancelledAt = &now
	case kindDone:
		updated.Status = StatusDone
		updated.DoneAt = &now
	case kindNoShow:
		pol = s.policies.Resolve(ctx, appt.ProviderID)
		updated.Status = StatusNoShow
		updated.DoneAt = &now
	case kindClientCancel:
		pol = s.policies.Resolve(ctx, appt.ProviderID)
		updated.Status = StatusCancelledByClient
		if pol.IsLate(appt.StartsAt, now) {
			updated.Status = StatusCancelledLateByClient
		}
		updated.CancelledAt = &now
	case kindProviderCancel:
		pol = s.policies.Resolve(ctx, appt.ProviderID)
		updated.Status = StatusCancelledByProvider
		if pol.IsLate(appt.StartsAt, now) {
			updated.Status = StatusCancelledByProviderLate
		}
		updated.CancelledAt = &now
		updated.CancelReason = reason
	}
	updated.UpdatedAt = now

	if err := s.store.Update(ctx, updated, before); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperr.InvalidTransition("appointment changed concurrently; it is no longer %s", before)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("booking: transition: %w", err)
	}

	s.metrics.ObserveTransition(string(before), string(updated.Status))
	s.logger.Info("appointment transitioned",
		"appointment_id", updated.ID,
		"from", before,
		"to", updated.Status,
		"actor_role", actor.Role,
	)

	effCtx, cancel := s.effectContext(ctx)
	defer cancel()
	s.afterTransition(effCtx, before, updated, actor, pol, reason)
	return updated, nil
}

// Withdraw rejects a pending appointment on the system's behalf and returns
// its seat to the pool.
func (s *Service) Withdraw(ctx context.Context, id, reason string) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.withdraw")
	defer span.End()
	span.SetAttributes(attribute.String("slotkeeper.appointment_id", id))

	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusPending {
		return nil, apperr.InvalidTransition("only a pending appointment can be withdrawn; it is %s", appt.Status)
	}

	now := s.clock.Now()
	updated := appt.clone()
	updated.Status = StatusRejected
	updated.CancelledAt = &now
	updated.CancelReason = reason
	updated.UpdatedAt = now

	if err := s.store.Update(ctx, updated, StatusPending); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperr.InvalidTransition("appointment changed concurrently; it is no longer %s", StatusPending)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("booking: withdraw: %w", err)
	}

	s.metrics.ObserveTransition(string(StatusPending), string(updated.Status))
	s.logger.Info("appointment withdrawn", "appointment_id", updated.ID, "reason", reason)

	effCtx, cancel := s.effectContext(ctx)
	defer cancel()
	s.afterTransition(effCtx, StatusPending, updated, SystemActor(), policy.Policy{}, reason)
	return updated, nil
}

// WaivePenalty lets the provider forgive a late client cancellation.
func (s *Service) WaivePenalty(ctx context.Context, id string, actor Actor) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.waive_penalty")
	defer span.End()
	span.SetAttributes(attribute.String("slotkeeper.appointment_id", id))

	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(appt, actor); err != nil {
		return nil, err
	}
	if appt.Status != StatusCancelledLateByClient {
		return nil, apperr.InvalidTransition("penalty can only be waived on a late client cancellation; appointment is %s", appt.Status)
	}
	if actor.Role != RoleProvider {
		return nil, apperr.NotAuthorized("only the provider can waive a penalty")
	}
	if appt.PenaltyWaived {
		return nil, apperr.InvalidTransition("penalty already waived")
	}

	now := s.clock.Now()
	if err := s.store.WaivePenalty(ctx, id, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperr.InvalidTransition("penalty already waived")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("booking: waive penalty: %w", err)
	}
	appt.PenaltyWaived = true
	appt.UpdatedAt = now

	s.logger.Info("penalty waived", "appointment_id", appt.ID, "provider_id", appt.ProviderID)

	effCtx, cancel := s.effectContext(ctx)
	defer cancel()
	if s.events != nil {
		payload := events.PenaltyWaivedV1{
			EventID:       uuid.NewString(),
			AppointmentID: appt.ID,
			ProviderID:    appt.ProviderID,
			ClientID:      appt.ClientID,
			CreditRef:     deref(appt.CreditRef),
			OccurredAt:    now,
		}
		if _, err := s.events.Insert(effCtx, appt.ID, events.TypePenaltyWaived, payload); err != nil {
			s.logger.Error("failed to record penalty waiver", "error", err, "appointment_id", appt.ID)
		}
	}
	s.notify(effCtx, appt.ClientID, notify.Event{
		Kind:    notify.KindPenaltyWaived,
		Subject: "Your late-cancellation penalty was waived",
		Data:    appointmentData(appt),
	})
	return appt, nil
}

// BulkCancel cancels confirmed and rejects pending appointments of one
// provider. Ownership of every id is verified before anything changes; each
// appointment is then handled independently.
func (s *Service) BulkCancel(ctx context.Context, actor Actor, ids []string, reason string) (*BulkCancelResult, error) {
	if actor.Role != RoleProvider {
		return nil, apperr.NotAuthorized("only providers can bulk cancel")
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, apperr.InvalidInput("appointment_ids is required")
	}
	if len(ids) > maxBulkCancel {
		return nil, apperr.InvalidInput("at most %d appointments can be cancelled at once", maxBulkCancel)
	}

	appts := make([]*Appointment, 0, len(ids))
	for _, id := range ids {
		appt, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.NotAuthorized("appointment %s does not belong to provider %s", id, actor.ID)
			}
			return nil, fmt.Errorf("booking: bulk cancel: %w", err)
		}
		if appt.ProviderID != actor.ID {
			return nil, apperr.NotAuthorized("appointment %s does not belong to provider %s", id, actor.ID)
		}
		appts = append(appts, appt)
	}

	result := &BulkCancelResult{}
	for _, appt := range appts {
		var target Status
		switch appt.Status {
		case StatusConfirmed:
			target = StatusCancelledByProvider
		case StatusPending:
			target = StatusRejected
		default:
			result.Skipped++
			continue
		}
		if _, err := s.Transition(ctx, appt.ID, actor, target, reason); err != nil {
			s.logger.Warn("bulk cancel item failed", "error", err, "appointment_id", appt.ID)
			result.Failed = append(result.Failed, BulkFailure{AppointmentID: appt.ID, Error: err.Error()})
			continue
		}
		if target == StatusRejected {
			result.Rejected++
		} else {
			result.Cancelled++
		}
	}
	s.logger.Info("bulk cancel finished",
		"provider_id", actor.ID,
		"cancelled", result.Cancelled,
		"rejected", result.Rejected,
		"skipped", result.Skipped,
		"failed", len(result.Failed),
	)
	return result, nil
}

// Remaining reports free seats in a provider slot.
func (s *Service) Remaining(ctx context.Context, providerID string, slot time.Time) (int, error) {
	return s.gate.Remaining(ctx, providerID, slot.UTC().Truncate(time.Second))
}

func (s *Service) afterTransition(ctx context.Context, before Status, appt *Appointment, actor Actor, pol policy.Policy, reason string) {
	s.recordTransition(ctx, before, appt, actor, reason)

	if appt.Status.FreesSlot() && s.listener != nil {
		s.listener.SlotFreed(ctx, appt.ProviderID, appt.StartsAt)
	}

	if appt.CreditRef != nil && (appt.Status == StatusDone || (appt.Status == StatusNoShow && pol.NoShowCounts)) {
		s.consumeCredit(ctx, appt)
	}

	recipient := appt.ClientID
	if actor.Role == RoleClient {
		recipient = appt.ProviderID
	}
	data := appointmentData(appt)
	if reason != "" {
		data["reason"] = reason
	}
	if appt.Status == StatusCancelledLateByClient {
		data["penalty_due"] = fmt.Sprintf("%t", appt.PenaltyDue())
		if pol.ClientMessage != "" {
			data["policy_message"] = pol.ClientMessage
		}
	}
	s.notify(ctx, recipient, notify.Event{
		Kind:    notify.KindAppointmentUpdated,
		Subject: fmt.Sprintf("Appointment %s", strings.ReplaceAll(string(appt.Status), "_", " ")),
		Data:    data,
	})
	if appt.Status == StatusCancelledLateByClient && actor.Role == RoleClient {
		// The client also learns the penalty outcome.
		s.notify(ctx, appt.ClientID, notify.Event{
			Kind:    notify.KindAppointmentUpdated,
			Subject: "Late cancellation recorded",
			Data:    data,
		})
	}
}

func (s *Service) consumeCredit(ctx context.Context, appt *Appointment) {
	if s.accountant == nil {
		return
	}
	err := s.accountant.ConsumeCredit(ctx, appt.ID)
	switch {
	case err == nil:
		s.logger.Info("credit consumed", "appointment_id", appt.ID, "status", appt.Status)
	case errors.Is(err, ledger.ErrNoActiveCredit):
		s.logger.Info("no active credit to consume", "appointment_id", appt.ID, "status", appt.Status)
	default:
		s.metrics.ObserveLedgerFailure("error")
		s.logger.Error("credit consumption failed", "error", err, "appointment_id", appt.ID, "status", appt.Status)
		if s.events == nil {
			return
		}
		payload := events.CreditConsumeFailedV1{
			EventID:       uuid.NewString(),
			AppointmentID: appt.ID,
			CreditRef:     deref(appt.CreditRef),
			Status:        string(appt.Status),
			Error:         err.Error(),
			OccurredAt:    s.clock.Now(),
		}
		if _, err := s.events.Insert(ctx, appt.ID, events.TypeCreditConsumeFailed, payload); err != nil {
			s.logger.Error("failed to record credit failure", "error", err, "appointment_id", appt.ID)
		}
	}
}

func (s *Service) recordTransition(ctx context.Context, before Status, appt *Appointment, actor Actor, reason string) {
	if s.events == nil {
		return
	}
	payload := events.AppointmentTransitionedV1{
		EventID:       uuid.NewString(),
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		ClientID:      appt.ClientID,
		StartsAt:      appt.StartsAt,
		From:          string(before),
		To:            string(appt.Status),
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		CreditRef:     deref(appt.CreditRef),
		PenaltyDue:    appt.PenaltyDue(),
		Reason:        reason,
		OccurredAt:    appt.UpdatedAt,
	}
	if _, err := s.events.Insert(ctx, appt.ID, events.TypeAppointmentTransitioned, payload); err != nil {
		s.logger.Error("failed to record transition event", "error", err, "appointment_id", appt.ID)
	}
}

func (s *Service) notify(ctx context.Context, userID string, evt notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, evt); err != nil {
		s.logger.Warn("notification failed", "error", err, "user_id", userID, "kind", evt.Kind)
	}
}

// effectContext detaches post-commit work from the caller's cancellation.
func (s *Service) effectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), effectTimeout)
}

func authorize(appt *Appointment, actor Actor) error {
	switch actor.Role {
	case RoleSystem:
		return nil
	case RoleProvider:
		if actor.ID != "" && appt.ProviderID == actor.ID {
			return nil
		}
	case RoleClient:
		if actor.ID != "" && appt.ClientID == actor.ID {
			return nil
		}
	}
	return apperr.NotAuthorized("actor %s is not a party to appointment %s", actor.ID, appt.ID)
}

func appointmentData(appt *Appointment) map[string]string {
	return map[string]string{
		"appointment_id": appt.ID,
		"provider_id":    appt.ProviderID,
		"client_id":      appt.ClientID,
		"status":         string(appt.Status),
		"starts_at":      appt.StartsAt.Format(time.RFC3339),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
