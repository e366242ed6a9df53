// Package notify requests best-effort user notifications. Delivery itself is
// external: requests are written to the outbox and relayed by the deliverer.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/slotkeeper/internal/events"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// Event kinds sent to users.
const (
	KindAppointmentRequested = "appointment.requested"
	KindAppointmentUpdated   = "appointment.updated"
	KindPenaltyWaived        = "appointment.penalty_waived"
	KindWaitlistOffer        = "waitlist.offer"
	KindWaitlistExpired      = "waitlist.expired"
	KindWaitlistConfirmed    = "waitlist.confirmed"
)

// Event is a notification for one user.
type Event struct {
	Kind    string
	Subject string
	Data    map[string]string
}

// Notifier sends a notification. Callers log failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, userID string, evt Event) error
}

type outboxWriter interface {
	Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error)
}

// OutboxNotifier records notification requests in the outbox.
type OutboxNotifier struct {
	outbox outboxWriter
	now    func() time.Time
}

func NewOutboxNotifier(outbox outboxWriter) *OutboxNotifier {
	if outbox == nil {
		panic("notify: outbox required")
	}
	return &OutboxNotifier{outbox: outbox, now: func() time.Time { return time.Now().UTC() }}
}

func (n *OutboxNotifier) Notify(ctx context.Context, userID string, evt Event) error {
	if userID == "" {
		return fmt.Errorf("notify: user id required")
	}
	payload := events.NotificationRequestedV1{
		EventID:    uuid.NewString(),
		UserID:     userID,
		Kind:       evt.Kind,
		Subject:    evt.Subject,
		Data:       evt.Data,
		OccurredAt: n.now(),
	}
	if _, err := n.outbox.Insert(ctx, userID, events.TypeNotificationRequested, payload); err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", evt.Kind, err)
	}
	return nil
}

// LogNotifier only logs. Used when no outbox is wired.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, userID string, evt Event) error {
	n.logger.Info("notification", "user_id", userID, "kind", evt.Kind, "subject", evt.Subject)
	return nil
}

// Recorder captures notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

// Sent is one captured notification.
type Sent struct {
	UserID string
	Event  Event
}

func (r *Recorder) Notify(_ context.Context, userID string, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Sent{UserID: userID, Event: evt})
	return nil
}

// Sent returns a copy of the captured notifications.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Kinds returns the kinds sent to userID, in order.
func (r *Recorder) Kinds(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		if s.UserID == userID {
			out = append(out, s.Event.Kind)
		}
	}
	return out
}
