package booking

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending                 Status = "pending"
	StatusConfirmed               Status = "confirmed"
	StatusDone                    Status = "done"
	StatusRejected                Status = "rejected"
	StatusAutoRejected            Status = "auto_rejected"
	StatusCancelledByClient       Status = "cancelled_by_client"
	StatusCancelledLateByClient   Status = "cancelled_late_by_client"
	StatusCancelledByProvider     Status = "cancelled_by_provider"
	StatusCancelledByProviderLate Status = "cancelled_by_provider_late"
	StatusNoShow                  Status = "no_show"
)

// AllStatuses lists every member of the closed status set.
var AllStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusDone,
	StatusRejected,
	StatusAutoRejected,
	StatusCancelledByClient,
	StatusCancelledLateByClient,
	StatusCancelledByProvider,
	StatusCancelledByProviderLate,
	StatusNoShow,
}

// ParseStatus validates s against the closed status set.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Active reports whether the appointment holds capacity.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return !s.Active()
}

// Cancelled reports whether the status ends the appointment without it taking place.
func (s Status) Cancelled() bool {
	switch s {
	case StatusRejected, StatusAutoRejected,
		StatusCancelledByClient, StatusCancelledLateByClient,
		StatusCancelledByProvider, StatusCancelledByProviderLate:
		return true
	}
	return false
}

// FreesSlot reports whether entering s returns the seat to the waitlist.
func (s Status) FreesSlot() bool {
	return s.Cancelled()
}

// Role is the kind of party acting on an appointment.
type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
	RoleSystem   Role = "system"
)

// Actor identifies who requests a change.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is the identity used by the sweeper.
func SystemActor() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}

// Appointment is a booking of one provider slot by one client.
type Appointment struct {
	ID              string     `json:"id"`
	ProviderID      string     `json:"provider_id"`
	ClientID        string     `json:"client_id"`
	StartsAt        time.Time  `json:"starts_at"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          Status     `json:"status"`
	CreditRef       *string    `json:"credit_ref,omitempty"`
	PriceCents      *int64     `json:"price_cents,omitempty"`
	ClientMessage   string     `json:"client_message,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	PenaltyWaived   bool       `json:"penalty_waived"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	DoneAt          *time.Time `json:"done_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EndsAt returns the end of the appointment.
func (a *Appointment) EndsAt() time.Time {
	return a.StartsAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// PenaltyDue reports whether a late client cancel left the credit owed.
func (a *Appointment) PenaltyDue() bool {
	return a.Status == StatusCancelledLateByClient && !a.PenaltyWaived && a.CreditRef != nil
}

func (a *Appointment) clone() *Appointment {
	c := *a
	if a.CreditRef != nil {
		v := *a.CreditRef
		c.CreditRef = &v
	}
	if a.PriceCents != nil {
		v := *a.PriceCents
		c.PriceCents = &v
	}
	c.ConfirmedAt = cloneTime(a.ConfirmedAt)
	c.CancelledAt = cloneTime(a.CancelledAt)
	c.DoneAt = cloneTime(a.DoneAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateRequest describes a new appointment.
type CreateRequest struct {
	ProviderID      string    `json:"provider_id"`
	ClientID        string    `json:"-"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	CreditRef       *string   `json:"credit_ref,omitempty"`
	PriceCents      *int64    `json:"price_cents,omitempty"`
	ClientMessage   string    `json:"client_message,omitempty"`
	// Source labels the caller for metrics ("direct" or "waitlist").
	Source string `json:"-"`
}

// ListFilter narrows appointment listings.
type ListFilter struct {
	ProviderID string
	ClientID   string
	Statuses   []Status
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// BulkCancelResult summarizes a provider bulk cancel.
type BulkCancelResult struct {
	Cancelled int           `json:"cancelled"`
	Rejected  int           `json:"rejected"`
	Skipped   int           `json:"skipped"`
	Failed    []BulkFailure `json:"failed,omitempty"`
}

// BulkFailure records one appointment a bulk cancel could not change.
type BulkFailure struct {
	AppointmentID string `json:"appointment_id"`
	Error         string `json:"error"`
}

// ErrConflict is returned by a Store when a compare-and-swap lost to a concurrent writer.
var ErrConflict = errors.New("booking: appointment changed concurrently")

// Store persists appointments.
type Store interface {
	// CountActive counts pending+confirmed appointments at the exact slot.
	CountActive(ctx context.Context, providerID string, slot time.Time) (int, error)
	// Insert atomically counts active appointments in the slot and inserts
	// appt only when the count is below limit.
	Insert(ctx context.Context, appt *Appointment, limit int) error
	Get(ctx context.Context, id string) (*Appointment, error)
	// Update persists appt only if the stored status still equals expected.
	Update(ctx context.Context, appt *Appointment, expected Status) error
	// WaivePenalty flags a late client cancellation as waived exactly once.
	WaivePenalty(ctx context.Context, id string, now time.Time) error
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Appointment, error)
	List(ctx context.Context, filter ListFilter) ([]*Appointment, error)
}
