package waitlist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/booking"
	"github.com/wolfman30/slotkeeper/internal/capacity"
	"github.com/wolfman30/slotkeeper/internal/clock"
	"github.com/wolfman30/slotkeeper/internal/events"
	"github.com/wolfman30/slotkeeper/internal/notify"
	"github.com/wolfman30/slotkeeper/internal/policy"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

var (
	slot  = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	begin = time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)

	providerActor = booking.Actor{ID: "prov-1", Role: booking.RoleProvider}
)

type harness struct {
	queue    *Queue
	bookings *booking.Service
	store    *MemoryStore
	clock    *clock.Manual
	notifier *notify.Recorder
	outbox   *events.MemoryOutbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.Default()
	h := &harness{
		store:    NewMemoryStore(),
		clock:    clock.NewManual(begin),
		notifier: &notify.Recorder{},
		outbox:   events.NewMemoryOutbox(),
	}
	apptStore := booking.NewMemoryStore()
	h.bookings = booking.NewService(apptStore, capacity.NewGate(capacity.StaticLimits{}, apptStore, logger),
		policy.NewResolver(policy.NewMemoryStore(), logger), logger).
		WithClock(h.clock).
		WithNotifier(h.notifier).
		WithEvents(h.outbox)
	h.queue = NewQueue(h.store, h.bookings, logger).
		WithClock(h.clock).
		WithNotifier(h.notifier).
		WithEvents(h.outbox)
	h.bookings.SetSlotListener(h.queue)
	return h
}

func (h *harness) book(t *testing.T, clientID string) *booking.Appointment {
	t.Helper()
	appt, err := h.bookings.CreateAppointment(context.Background(), booking.CreateRequest{
		ProviderID: "prov-1", ClientID: clientID, StartsAt: slot,
	})
	require.NoError(t, err)
	return appt
}

func (h *harness) join(t *testing.T, clientID string) *Entry {
	t.Helper()
	entry, err := h.queue.Join(context.Background(), JoinRequest{ProviderID: "prov-1", Slot: slot, ClientID: clientID})
	require.NoError(t, err)
	return entry
}

func positions(t *testing.T, h *harness) map[string]int {
	t.Helper()
	group, err := h.queue.ListGroup(context.Background(), "prov-1", slot)
	require.NoError(t, err)
	out := map[string]int{}
	for _, e := range group {
		if e.Status.Active() {
			out[e.ClientID] = e.Position
		}
	}
	return out
}

func TestLateCancelPromotesWaitlist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.book(t, "client-a")
	_, err := h.bookings.Transition(ctx, a.ID, providerActor, booking.StatusConfirmed, "")
	require.NoError(t, err)

	_, err = h.bookings.CreateAppointment(ctx, booking.CreateRequest{ProviderID: "prov-1", ClientID: "client-b", StartsAt: slot})
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	entry := h.join(t, "client-b")
	assert.Equal(t, 1, entry.Position)
	assert.Equal(t, StatusWaiting, entry.Status)

	cancelAt := slot.Add(-3 * time.Hour)
	h.clock.Set(cancelAt)
	cancelled, err := h.bookings.Transition(ctx, a.ID, booking.Actor{ID: "client-a", Role: booking.RoleClient}, booking.StatusCancelledByClient, "")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelledLateByClient, cancelled.Status)

	got, err := h.store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotified, got.Status)
	require.NotNil(t, got.NotifiedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, cancelAt, *got.NotifiedAt)
	assert.Equal(t, cancelAt.Add(30*time.Minute), *got.ExpiresAt)
	assert.Contains(t, h.notifier.Kinds("client-b"), notify.KindWaitlistOffer)
	assert.Len(t, h.outbox.Entries(events.TypeWaitlistPromoted), 1)

	h.clock.Advance(10 * time.Minute)
	confirmed, err := h.queue.Confirm(ctx, entry.ID, "client-b")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.AppointmentID)
	assert.Equal(t, 0, confirmed.Position)

	appt, err := h.bookings.Get(ctx, *confirmed.AppointmentID, providerActor)
	require.NoError(t, err)
	assert.Equal(t, "client-b", appt.ClientID)
	assert.Equal(t, booking.StatusPending, appt.Status)
}

func TestConfirmAfterWindowExpiresPromotesNext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "client-b")
	c := h.join(t, "client-c")

	_, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)
	h.clock.Advance(31 * time.Minute)

	_, err = h.queue.Confirm(ctx, b.ID, "client-b")
	require.ErrorIs(t, err, apperr.ErrWindowExpired)
	assert.Contains(t, err.Error(), "expired 1 minutes ago")

	gotB, err := h.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, gotB.Status)

	gotC, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotified, gotC.Status)
	assert.Equal(t, 1, gotC.Position)
	assert.Equal(t, map[string]int{"client-c": 1}, positions(t, h))
}

func TestConfirmRequiresNotifiedOwnedEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "client-b")

	_, err := h.queue.Confirm(ctx, b.ID, "client-b")
	require.ErrorIs(t, err, apperr.ErrWindowExpired)
	assert.Contains(t, err.Error(), "waiting")

	_, err = h.queue.Confirm(ctx, b.ID, "client-x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.queue.Confirm(ctx, "missing", "client-b")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConfirmLosesRaceToDirectBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "client-b")
	_, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)

	h.book(t, "client-d")

	_, err = h.queue.Confirm(ctx, b.ID, "client-b")
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	got, err := h.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotified, got.Status)
}

// expiringBooker books the seat, then lets the entry's window lapse and
// expires it before the queue records the claim. It does so once.
type expiringBooker struct {
	*booking.Service
	clock   *clock.Manual
	queue   *Queue
	entryID string
	booked  *booking.Appointment
}

func (b *expiringBooker) CreateAppointment(ctx context.Context, req booking.CreateRequest) (*booking.Appointment, error) {
	appt, err := b.Service.CreateAppointment(ctx, req)
	if err != nil {
		return nil, err
	}
	if b.entryID == "" {
		return appt, nil
	}
	b.booked = appt
	b.clock.Advance(31 * time.Minute)
	if _, err := b.queue.ExpireLapsed(ctx, b.entryID); err != nil {
		return nil, err
	}
	b.entryID = ""
	return appt, nil
}

func TestConfirmLosingToExpiryWithdrawsBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "client-b")
	c := h.join(t, "client-c")
	_, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)

	booker := &expiringBooker{Service: h.bookings, clock: h.clock, entryID: b.ID}
	queue := NewQueue(h.store, booker, logging.Default()).
		WithClock(h.clock).
		WithNotifier(h.notifier).
		WithEvents(h.outbox)
	booker.queue = queue
	h.bookings.SetSlotListener(queue)

	_, err = queue.Confirm(ctx, b.ID, "client-b")
	require.ErrorIs(t, err, apperr.ErrWindowExpired)

	require.NotNil(t, booker.booked)
	appt, err := h.bookings.Get(ctx, booker.booked.ID, providerActor)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusRejected, appt.Status)

	remaining, err := h.bookings.Remaining(ctx, "prov-1", slot)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	gotB, err := h.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, gotB.Status)

	gotC, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotified, gotC.Status)

	confirmed, err := queue.Confirm(ctx, c.ID, "client-c")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
}

func TestJoinRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "client-b")

	_, err := h.queue.Join(ctx, JoinRequest{ProviderID: "prov-1", Slot: slot, ClientID: "client-b"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyQueued)

	_, err = h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.queue.ExpireLapsed(ctx, b.ID)
	require.NoError(t, err)

	_, err = h.queue.Join(ctx, JoinRequest{ProviderID: "prov-1", Slot: slot, ClientID: "client-b"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyQueued)
}

func TestJoinValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.queue.Join(context.Background(), JoinRequest{ProviderID: "prov-1", Slot: begin.Add(-time.Hour), ClientID: "c"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = h.queue.Join(context.Background(), JoinRequest{Slot: slot, ClientID: "c"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = h.queue.Join(context.Background(), JoinRequest{
		ProviderID: "prov-1", Slot: slot, ClientID: "c", DurationMinutes: booking.MaxDurationMinutes + 1,
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestJoinLeaveJoinKeepsPositionOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.join(t, "client-b")
	assert.Equal(t, 1, first.Position)
	require.NoError(t, h.queue.Leave(ctx, first.ID, "client-b"))

	second := h.join(t, "client-b")
	assert.Equal(t, 1, second.Position)
}

func TestLeaveRenumbersDensely(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join(t, "client-b")
	c := h.join(t, "client-c")
	h.join(t, "client-d")
	h.join(t, "client-e")

	require.NoError(t, h.queue.Leave(ctx, c.ID, "client-c"))
	assert.Equal(t, map[string]int{"client-b": 1, "client-d": 2, "client-e": 3}, positions(t, h))

	err := h.queue.Leave(ctx, c.ID, "client-c")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	next := h.join(t, "client-f")
	assert.Equal(t, 4, next.Position)
}

func TestLeaveOwnershipChecked(t *testing.T) {
	h := newHarness(t)
	b := h.join(t, "client-b")

	err := h.queue.Leave(context.Background(), b.ID, "client-x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, map[string]int{"client-b": 1}, positions(t, h))
}

func TestLeavingNotifiedEntryPassesOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "client-b")
	c := h.join(t, "client-c")
	_, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)

	require.NoError(t, h.queue.Leave(ctx, b.ID, "client-b"))

	got, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotified, got.Status)
	assert.Equal(t, 1, got.Position)
}

func TestPromoteNextKeepsSingleOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	none, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)
	assert.Nil(t, none)

	h.join(t, "client-b")
	h.join(t, "client-c")
	first, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "client-b", first.ClientID)

	again, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)
	assert.Nil(t, again)

	group, err := h.queue.ListGroup(ctx, "prov-1", slot)
	require.NoError(t, err)
	notified := 0
	for _, e := range group {
		if e.Status == StatusNotified {
			notified++
		}
	}
	assert.Equal(t, 1, notified)
}

func TestExpireLapsedRequiresPassedDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.join(t, "client-b")
	_, err := h.queue.PromoteNext(ctx, "prov-1", slot)
	require.NoError(t, err)

	_, err = h.queue.ExpireLapsed(ctx, b.ID)
	assert.ErrorIs(t, err, ErrConflict)

	lapsed, err := h.queue.ListLapsed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, lapsed)

	h.clock.Advance(31 * time.Minute)
	lapsed, err = h.queue.ListLapsed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)

	expired, err := h.queue.ExpireLapsed(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)
	assert.Contains(t, h.notifier.Kinds("client-b"), notify.KindWaitlistExpired)
	assert.Len(t, h.outbox.Entries(events.TypeWaitlistExpired), 1)

	_, err = h.queue.ExpireLapsed(ctx, b.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestConcurrentJoinsGetDensePositions(t *testing.T) {
	h := newHarness(t)
	const n = 25

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.queue.Join(context.Background(), JoinRequest{
				ProviderID: "prov-1", Slot: slot, ClientID: fmt.Sprintf("client-%02d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var got []int
	for _, pos := range positions(t, h) {
		got = append(got, pos)
	}
	sort.Ints(got)
	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, got)
}

func TestListForClient(t *testing.T) {
	h := newHarness(t)
	h.join(t, "client-b")
	_, err := h.queue.Join(context.Background(), JoinRequest{ProviderID: "prov-2", Slot: slot, ClientID: "client-b"})
	require.NoError(t, err)

	mine, err := h.queue.ListForClient(context.Background(), "client-b")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
