package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/capacity"
)

// MemoryStore is an in-process Store. One mutex serializes every write, so
// the count-then-insert in Insert is atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	appointments map[string]*Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{appointments: make(map[string]*Appointment)}
}

func (s *MemoryStore) countActiveLocked(providerID string, slot time.Time) int {
	n := 0
	for _, a := range s.appointments {
		if a.ProviderID == providerID && a.StartsAt.Equal(slot) && a.Status.Active() {
			n++
		}
	}
	return n
}

func (s *MemoryStore) CountActive(_ context.Context, providerID string, slot time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActiveLocked(providerID, slot), nil
}

func (s *MemoryStore) Insert(_ context.Context, appt *Appointment, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.countActiveLocked(appt.ProviderID, appt.StartsAt)
	if err := capacity.Check(active, limit, appt.ProviderID, appt.StartsAt); err != nil {
		return err
	}
	s.appointments[appt.ID] = appt.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	return a.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, appt *Appointment, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.appointments[appt.ID]
	if !ok {
		return apperr.NotFound("appointment %s not found", appt.ID)
	}
	if current.Status != expected {
		return ErrConflict
	}
	s.appointments[appt.ID] = appt.clone()
	return nil
}

func (s *MemoryStore) WaivePenalty(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.appointments[id]
	if !ok {
		return apperr.NotFound("appointment %s not found", id)
	}
	if current.Status != StatusCancelledLateByClient || current.PenaltyWaived {
		return ErrConflict
	}
	current.PenaltyWaived = true
	current.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Appointment
	for _, a := range s.appointments {
		if a.Status == StatusPending && a.CreatedAt.Before(createdBefore) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Appointment
	for _, a := range s.appointments {
		if filter.ProviderID != "" && a.ProviderID != filter.ProviderID {
			continue
		}
		if filter.ClientID != "" && a.ClientID != filter.ClientID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, a.Status) {
			continue
		}
		if filter.From != nil && a.StartsAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !a.StartsAt.Before(*filter.To) {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Appointment{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, st := range list {
		if st == s {
			return true
		}
	}
	return false
}
