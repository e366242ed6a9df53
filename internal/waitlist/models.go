package waitlist

import (
	"context"
	"errors"
	"time"
)

// EntryStatus is the lifecycle state of a waitlist entry.
type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusNotified  EntryStatus = "notified"
	StatusConfirmed EntryStatus = "confirmed"
	StatusExpired   EntryStatus = "expired"
)

// Active reports whether the entry still holds a queue position.
func (s EntryStatus) Active() bool {
	return s == StatusWaiting || s == StatusNotified
}

// Entry is one client's place in the queue for a full slot.
// Terminal entries keep position 0.
type Entry struct {
	ID              string      `json:"id"`
	ProviderID      string      `json:"provider_id"`
	Slot            time.Time   `json:"slot"`
	ClientID        string      `json:"client_id"`
	DurationMinutes int         `json:"duration_minutes"`
	Position        int         `json:"position"`
	Status          EntryStatus `json:"status"`
	NotifiedAt      *time.Time  `json:"notified_at,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	AppointmentID   *string     `json:"appointment_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.NotifiedAt != nil {
		v := *e.NotifiedAt
		c.NotifiedAt = &v
	}
	if e.ExpiresAt != nil {
		v := *e.ExpiresAt
		c.ExpiresAt = &v
	}
	if e.AppointmentID != nil {
		v := *e.AppointmentID
		c.AppointmentID = &v
	}
	return &c
}

// JoinRequest asks for a place in a slot's queue.
type JoinRequest struct {
	ProviderID      string    `json:"provider_id"`
	Slot            time.Time `json:"slot"`
	ClientID        string    `json:"-"`
	DurationMinutes int       `json:"duration_minutes"`
}

// ErrConflict is returned when a status compare-and-swap lost.
var ErrConflict = errors.New("waitlist: entry changed concurrently")

// Store persists entries. Every mutating method runs under a per-group
// (provider, slot) lock and leaves active positions dense.
type Store interface {
	// Insert appends entry at the end of its group's active queue. It fails
	// AlreadyQueued when any entry exists for (provider, slot, client).
	Insert(ctx context.Context, entry *Entry) error
	// Promote moves the lowest waiting entry to notified unless the group
	// already has a notified entry. It returns nil when nothing changed.
	Promote(ctx context.Context, providerID string, slot time.Time, now, expiresAt time.Time) (*Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	// Confirm moves a notified entry to confirmed.
	Confirm(ctx context.Context, id, appointmentID string, now time.Time) (*Entry, error)
	// Expire moves a notified entry whose deadline is before now to expired.
	Expire(ctx context.Context, id string, now time.Time) (*Entry, error)
	// Delete removes the entry and returns it as it was.
	Delete(ctx context.Context, id string) (*Entry, error)
	ListGroup(ctx context.Context, providerID string, slot time.Time) ([]*Entry, error)
	ListForClient(ctx context.Context, clientID string) ([]*Entry, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
}
