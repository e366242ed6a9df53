package waitlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/slotkeeper/internal/apperr"
)

// MemoryStore keeps entries in process. One mutex stands in for the
// per-group lock.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) groupLocked(providerID string, slot time.Time) []*Entry {
	var out []*Entry
	for _, e := range s.entries {
		if e.ProviderID == providerID && e.Slot.Equal(slot) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessEntry(out[i], out[j]) })
	return out
}

// renumberLocked assigns 1..N to active entries in queue order.
func (s *MemoryStore) renumberLocked(providerID string, slot time.Time) {
	pos := 0
	for _, e := range s.groupLocked(providerID, slot) {
		if !e.Status.Active() {
			e.Position = 0
			continue
		}
		pos++
		e.Position = pos
	}
}

func (s *MemoryStore) Insert(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, e := range s.groupLocked(entry.ProviderID, entry.Slot) {
		if e.ClientID == entry.ClientID {
			return apperr.AlreadyQueued("client %s already has a waitlist entry for this slot (%s)", entry.ClientID, e.Status)
		}
		if e.Status.Active() {
			active++
		}
	}
	entry.Position = active + 1
	s.entries[entry.ID] = entry.clone()
	return nil
}

func (s *MemoryStore) Promote(_ context.Context, providerID string, slot time.Time, now, expiresAt time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *Entry
	for _, e := range s.groupLocked(providerID, slot) {
		if e.Status == StatusNotified {
			return nil, nil
		}
		if e.Status == StatusWaiting && next == nil {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}
	notifiedAt, exp := now, expiresAt
	next.Status = StatusNotified
	next.NotifiedAt = &notifiedAt
	next.ExpiresAt = &exp
	next.UpdatedAt = now
	return next.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("waitlist entry %s not found", id)
	}
	return e.clone(), nil
}

func (s *MemoryStore) Confirm(_ context.Context, id, appointmentID string, now time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("waitlist entry %s not found", id)
	}
	if e.Status != StatusNotified {
		return nil, ErrConflict
	}
	e.Status = StatusConfirmed
	e.AppointmentID = &appointmentID
	e.UpdatedAt = now
	s.renumberLocked(e.ProviderID, e.Slot)
	return e.clone(), nil
}

func (s *MemoryStore) Expire(_ context.Context, id string, now time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("waitlist entry %s not found", id)
	}
	if e.Status != StatusNotified || e.ExpiresAt == nil || !e.ExpiresAt.Before(now) {
		return nil, ErrConflict
	}
	e.Status = StatusExpired
	e.UpdatedAt = now
	s.renumberLocked(e.ProviderID, e.Slot)
	return e.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("waitlist entry %s not found", id)
	}
	delete(s.entries, id)
	s.renumberLocked(e.ProviderID, e.Slot)
	return e.clone(), nil
}

func (s *MemoryStore) ListGroup(_ context.Context, providerID string, slot time.Time) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := s.groupLocked(providerID, slot)
	out := make([]*Entry, 0, len(group))
	for _, e := range group {
		out = append(out, e.clone())
	}
	return out, nil
}

func (s *MemoryStore) ListForClient(_ context.Context, clientID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.ClientID == clientID {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListLapsed(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Status == StatusNotified && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lessEntry orders a group: active entries by position, then terminal ones
// by creation time.
func lessEntry(a, b *Entry) bool {
	if a.Status.Active() != b.Status.Active() {
		return a.Status.Active()
	}
	if a.Status.Active() && a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
