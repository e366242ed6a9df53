// Package waitlist queues clients for full slots and offers freed seats to
// them one at a time.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/booking"
	"github.com/wolfman30/slotkeeper/internal/clock"
	"github.com/wolfman30/slotkeeper/internal/events"
	"github.com/wolfman30/slotkeeper/internal/notify"
	"github.com/wolfman30/slotkeeper/internal/observability/metrics"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

var waitlistTracer = otel.Tracer("slotkeeper.internal.waitlist")

// DefaultWindow is how long a notified client has to claim the seat.
const DefaultWindow = 30 * time.Minute

// Booker claims a seat through the capacity gate and gives it back when the
// claim cannot be recorded on the entry.
type Booker interface {
	CreateAppointment(ctx context.Context, req booking.CreateRequest) (*booking.Appointment, error)
	Withdraw(ctx context.Context, id, reason string) (*booking.Appointment, error)
}

// EventRecorder appends events to the outbox.
type EventRecorder interface {
	Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error)
}

// Queue runs the waitlist lifecycle.
type Queue struct {
	store    Store
	booker   Booker
	notifier notify.Notifier
	events   EventRecorder
	clock    clock.Clock
	metrics  *metrics.ArbiterMetrics
	logger   *logging.Logger
	window   time.Duration
}

func NewQueue(store Store, booker Booker, logger *logging.Logger) *Queue {
	if store == nil {
		panic("waitlist: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{
		store:  store,
		booker: booker,
		clock:  clock.System{},
		logger: logger,
		window: DefaultWindow,
	}
}

func (q *Queue) WithClock(c clock.Clock) *Queue {
	q.clock = clock.OrSystem(c)
	return q
}

func (q *Queue) WithNotifier(n notify.Notifier) *Queue {
	q.notifier = n
	return q
}

func (q *Queue) WithEvents(r EventRecorder) *Queue {
	q.events = r
	return q
}

func (q *Queue) WithMetrics(m *metrics.ArbiterMetrics) *Queue {
	q.metrics = m
	return q
}

func (q *Queue) WithWindow(d time.Duration) *Queue {
	if d > 0 {
		q.window = d
	}
	return q
}

// Join appends the client to the slot's queue.
func (q *Queue) Join(ctx context.Context, req JoinRequest) (*Entry, error) {
	ctx, span := waitlistTracer.Start(ctx, "waitlist.join")
	defer span.End()

	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ProviderID == "" || req.ClientID == "" {
		return nil, apperr.InvalidInput("provider_id and client_id are required")
	}
	if req.Slot.IsZero() {
		return nil, apperr.InvalidInput("slot is required")
	}
	now := q.clock.Now()
	slot := req.Slot.UTC().Truncate(time.Second)
	if !slot.After(now) {
		return nil, apperr.InvalidInput("slot must be in the future")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = booking.DefaultDurationMinutes
	}
	if req.DurationMinutes < 0 || req.DurationMinutes > booking.MaxDurationMinutes {
		return nil, apperr.InvalidInput("duration_minutes must be between 1 and %d", booking.MaxDurationMinutes)
	}
	span.SetAttributes(
		attribute.String("slotkeeper.provider_id", req.ProviderID),
		attribute.String("slotkeeper.client_id", req.ClientID),
	)

	entry := &Entry{
		ID:              uuid.NewString(),
		ProviderID:      req.ProviderID,
		Slot:            slot,
		ClientID:        req.ClientID,
		DurationMinutes: req.DurationMinutes,
		Status:          StatusWaiting,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.store.Insert(ctx, entry); err != nil {
		if apperr.IsDomain(err) {
			return nil, err
		}
		span.RecordError(err)
		return nil, fmt.Errorf("waitlist: join: %w", err)
	}
	q.metrics.ObserveWaitlistEvent("joined")
	q.logger.Info("waitlist joined",
		"entry_id", entry.ID,
		"provider_id", entry.ProviderID,
		"slot", entry.Slot,
		"position", entry.Position,
	)
	return entry, nil
}

// PromoteNext offers the slot to the first waiting client unless an offer is
// already outstanding. It returns nil when nobody was promoted.
func (q *Queue) PromoteNext(ctx context.Context, providerID string, slot time.Time) (*Entry, error) {
	ctx, span := waitlistTracer.Start(ctx, "waitlist.promote_next")
	defer span.End()
	span.SetAttributes(attribute.String("slotkeeper.provider_id", providerID))

	now := q.clock.Now()
	entry, err := q.store.Promote(ctx, providerID, slot.UTC(), now, now.Add(q.window))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("waitlist: promote next: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	q.metrics.ObserveWaitlistEvent("promoted")
	q.logger.Info("waitlist entry notified",
		"entry_id", entry.ID,
		"provider_id", entry.ProviderID,
		"client_id", entry.ClientID,
		"expires_at", entry.ExpiresAt,
	)
	q.record(ctx, entry.ID, events.TypeWaitlistPromoted, events.WaitlistPromotedV1{
		EventID:    uuid.NewString(),
		EntryID:    entry.ID,
		ProviderID: entry.ProviderID,
		ClientID:   entry.ClientID,
		Slot:       entry.Slot,
		ExpiresAt:  *entry.ExpiresAt,
		OccurredAt: now,
	})
	q.notify(ctx, entry.ClientID, notify.Event{
		Kind:    notify.KindWaitlistOffer,
		Subject: "A seat opened up",
		Data:    entryData(entry),
	})
	return entry, nil
}

// SlotFreed promotes the next waiting client. Errors are logged only.
func (q *Queue) SlotFreed(ctx context.Context, providerID string, slot time.Time) {
	if _, err := q.PromoteNext(ctx, providerID, slot); err != nil {
		q.logger.Error("waitlist promotion failed", "error", err, "provider_id", providerID, "slot", slot)
	}
}

// Confirm claims the offered seat for the entry's client.
func (q *Queue) Confirm(ctx context.Context, entryID, clientID string) (*Entry, error) {
	ctx, span := waitlistTracer.Start(ctx, "waitlist.confirm")
	defer span.End()
	span.SetAttributes(attribute.String("slotkeeper.entry_id", entryID))

	entry, err := q.owned(ctx, entryID, clientID)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusNotified {
		return nil, apperr.WindowExpired("entry is %s; only a notified entry can be confirmed", entry.Status)
	}

	now := q.clock.Now()
	if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
		ago := int(math.Ceil(now.Sub(*entry.ExpiresAt).Minutes()))
		if _, err := q.expire(ctx, entry.ID); err != nil && !errors.Is(err, ErrConflict) {
			q.logger.Error("failed to expire lapsed entry", "error", err, "entry_id", entry.ID)
		}
		return nil, apperr.WindowExpired("confirmation window expired %d minutes ago", ago)
	}

	appt, err := q.booker.CreateAppointment(ctx, booking.CreateRequest{
		ProviderID:      entry.ProviderID,
		ClientID:        entry.ClientID,
		StartsAt:        entry.Slot,
		DurationMinutes: entry.DurationMinutes,
		Source:          "waitlist",
	})
	if err != nil {
		// The entry stays notified; the client may retry inside the window.
		return nil, err
	}

	confirmed, err := q.store.Confirm(ctx, entry.ID, appt.ID, now)
	if err != nil {
		span.RecordError(err)
		q.withdraw(ctx, entry, appt.ID)
		if errors.Is(err, ErrConflict) {
			return nil, apperr.WindowExpired("entry changed while confirming")
		}
		return nil, fmt.Errorf("waitlist: confirm: %w", err)
	}

	q.metrics.ObserveWaitlistEvent("confirmed")
	q.logger.Info("waitlist entry confirmed", "entry_id", confirmed.ID, "appointment_id", appt.ID)
	q.notify(ctx, confirmed.ProviderID, notify.Event{
		Kind:    notify.KindWaitlistConfirmed,
		Subject: "Waitlist seat claimed",
		Data:    entryData(confirmed),
	})
	return confirmed, nil
}

// Leave removes the client's entry. A withdrawn offer passes to the next client.
func (q *Queue) Leave(ctx context.Context, entryID, clientID string) error {
	ctx, span := waitlistTracer.Start(ctx, "waitlist.leave")
	defer span.End()
	span.SetAttributes(attribute.String("slotkeeper.entry_id", entryID))

	if _, err := q.owned(ctx, entryID, clientID); err != nil {
		return err
	}
	removed, err := q.store.Delete(ctx, entryID)
	if err != nil {
		if apperr.IsDomain(err) {
			return err
		}
		return fmt.Errorf("waitlist: leave: %w", err)
	}
	q.metrics.ObserveWaitlistEvent("left")
	q.logger.Info("waitlist left", "entry_id", removed.ID, "provider_id", removed.ProviderID)

	if removed.Status == StatusNotified {
		q.SlotFreed(ctx, removed.ProviderID, removed.Slot)
	}
	return nil
}

// ExpireLapsed expires a notified entry whose window has passed and offers
// the seat to the next client. It returns ErrConflict if the entry is no
// longer a lapsed offer.
func (q *Queue) ExpireLapsed(ctx context.Context, entryID string) (*Entry, error) {
	ctx, span := waitlistTracer.Start(ctx, "waitlist.expire_lapsed")
	defer span.End()
	span.SetAttributes(attribute.String("slotkeeper.entry_id", entryID))
	return q.expire(ctx, entryID)
}

func (q *Queue) expire(ctx context.Context, entryID string) (*Entry, error) {
	now := q.clock.Now()
	expired, err := q.store.Expire(ctx, entryID, now)
	if err != nil {
		if errors.Is(err, ErrConflict) || apperr.IsDomain(err) {
			return nil, err
		}
		return nil, fmt.Errorf("waitlist: expire: %w", err)
	}
	q.metrics.ObserveWaitlistEvent("expired")
	q.logger.Info("waitlist entry expired", "entry_id", expired.ID, "client_id", expired.ClientID)
	q.record(ctx, expired.ID, events.TypeWaitlistExpired, events.WaitlistExpiredV1{
		EventID:    uuid.NewString(),
		EntryID:    expired.ID,
		ProviderID: expired.ProviderID,
		ClientID:   expired.ClientID,
		Slot:       expired.Slot,
		OccurredAt: now,
	})
	q.notify(ctx, expired.ClientID, notify.Event{
		Kind:    notify.KindWaitlistExpired,
		Subject: "Your waitlist offer expired",
		Data:    entryData(expired),
	})
	q.SlotFreed(ctx, expired.ProviderID, expired.Slot)
	return expired, nil
}

// ListGroup returns a slot's queue; active entries first, in position order.
func (q *Queue) ListGroup(ctx context.Context, providerID string, slot time.Time) ([]*Entry, error) {
	out, err := q.store.ListGroup(ctx, providerID, slot.UTC().Truncate(time.Second))
	if err != nil {
		return nil, fmt.Errorf("waitlist: list group: %w", err)
	}
	return out, nil
}

// ListForClient returns every entry the client created, newest first.
func (q *Queue) ListForClient(ctx context.Context, clientID string) ([]*Entry, error) {
	out, err := q.store.ListForClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list for client: %w", err)
	}
	return out, nil
}

// ListLapsed returns notified entries whose window has passed.
func (q *Queue) ListLapsed(ctx context.Context, limit int) ([]*Entry, error) {
	out, err := q.store.ListLapsed(ctx, q.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list lapsed: %w", err)
	}
	return out, nil
}

// withdraw releases a seat booked for an entry that could not be confirmed.
// The context outlives caller cancellation so the seat is not left held.
func (q *Queue) withdraw(ctx context.Context, entry *Entry, appointmentID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := q.booker.Withdraw(ctx, appointmentID, "waitlist entry "+entry.ID+" was not confirmed"); err != nil {
		q.logger.Error("failed to withdraw unconfirmed waitlist booking", "error", err,
			"entry_id", entry.ID, "appointment_id", appointmentID)
		return
	}
	q.metrics.ObserveWaitlistEvent("withdrawn")
	q.logger.Warn("waitlist booking withdrawn", "entry_id", entry.ID, "appointment_id", appointmentID)
}

func (q *Queue) owned(ctx context.Context, entryID, clientID string) (*Entry, error) {
	entry, err := q.store.Get(ctx, entryID)
	if err != nil {
		if apperr.IsDomain(err) {
			return nil, err
		}
		return nil, fmt.Errorf("waitlist: get entry: %w", err)
	}
	if entry.ClientID != clientID {
		return nil, apperr.NotFound("waitlist entry %s not found", entryID)
	}
	return entry, nil
}

func (q *Queue) record(ctx context.Context, aggregateID, eventType string, payload any) {
	if q.events == nil {
		return
	}
	if _, err := q.events.Insert(ctx, aggregateID, eventType, payload); err != nil {
		q.logger.Error("failed to record waitlist event", "error", err, "type", eventType, "entry_id", aggregateID)
	}
}

func (q *Queue) notify(ctx context.Context, userID string, evt notify.Event) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Notify(ctx, userID, evt); err != nil {
		q.logger.Warn("notification failed", "error", err, "user_id", userID, "kind", evt.Kind)
	}
}

func entryData(e *Entry) map[string]string {
	data := map[string]string{
		"entry_id":    e.ID,
		"provider_id": e.ProviderID,
		"client_id":   e.ClientID,
		"slot":        e.Slot.Format(time.RFC3339),
		"status":      string(e.Status),
	}
	if e.ExpiresAt != nil {
		data["expires_at"] = e.ExpiresAt.Format(time.RFC3339)
	}
	if e.AppointmentID != nil {
		data["appointment_id"] = *e.AppointmentID
	}
	return data
}
