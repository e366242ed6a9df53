// Package sweeper applies the time-based transitions nobody is around to
// trigger: stale pending appointments and lapsed waitlist offers.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/booking"
	"github.com/wolfman30/slotkeeper/internal/observability/metrics"
	"github.com/wolfman30/slotkeeper/internal/waitlist"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

var sweeperTracer = otel.Tracer("slotkeeper.internal.sweeper")

const (
	DefaultBatchSize = 100
	// maxBatches bounds one pass so a record that keeps failing cannot spin it.
	maxBatches = 50
)

// Appointments is the slice of the booking service the sweeper drives.
type Appointments interface {
	StalePending(ctx context.Context, limit int) ([]*booking.Appointment, error)
	Transition(ctx context.Context, id string, actor booking.Actor, target booking.Status, reason string) (*booking.Appointment, error)
}

// Waitlist is the slice of the waitlist queue the sweeper drives.
type Waitlist interface {
	ListLapsed(ctx context.Context, limit int) ([]*waitlist.Entry, error)
	ExpireLapsed(ctx context.Context, entryID string) (*waitlist.Entry, error)
}

// Result summarizes one pass.
type Result struct {
	AutoRejected    int
	WaitlistExpired int
	Errors          []error
}

// Summary is the JSON form of a Result.
type Summary struct {
	AutoRejected    int      `json:"auto_rejected"`
	WaitlistExpired int      `json:"waitlist_expired"`
	Errors          []string `json:"errors,omitempty"`
}

func (r Result) Summary() Summary {
	s := Summary{AutoRejected: r.AutoRejected, WaitlistExpired: r.WaitlistExpired}
	for _, err := range r.Errors {
		s.Errors = append(s.Errors, err.Error())
	}
	return s
}

// Sweeper runs expiry passes.
type Sweeper struct {
	appointments Appointments
	waitlist     Waitlist
	batchSize    int
	metrics      *metrics.ArbiterMetrics
	logger       *logging.Logger
}

func New(appointments Appointments, wl Waitlist, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		appointments: appointments,
		waitlist:     wl,
		batchSize:    DefaultBatchSize,
		logger:       logger,
	}
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

func (s *Sweeper) WithMetrics(m *metrics.ArbiterMetrics) *Sweeper {
	s.metrics = m
	return s
}

// RunOnce performs both sweeps. Each record is handled in isolation; a
// record another writer already moved is skipped silently.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	ctx, span := sweeperTracer.Start(ctx, "sweeper.run_once")
	defer span.End()
	started := time.Now()

	var res Result
	if s.appointments != nil {
		s.sweepPending(ctx, &res)
	}
	if s.waitlist != nil {
		s.sweepWaitlist(ctx, &res)
	}

	s.metrics.ObserveSweepDuration(time.Since(started))
	span.SetAttributes(
		attribute.Int("slotkeeper.auto_rejected", res.AutoRejected),
		attribute.Int("slotkeeper.waitlist_expired", res.WaitlistExpired),
		attribute.Int("slotkeeper.errors", len(res.Errors)),
	)
	if res.AutoRejected > 0 || res.WaitlistExpired > 0 || len(res.Errors) > 0 {
		s.logger.Info("sweep finished",
			"auto_rejected", res.AutoRejected,
			"waitlist_expired", res.WaitlistExpired,
			"errors", len(res.Errors),
		)
	}
	return res
}

func (s *Sweeper) sweepPending(ctx context.Context, res *Result) {
	failed := map[string]bool{}
	for i := 0; i < maxBatches && ctx.Err() == nil; i++ {
		batch, err := s.appointments.StalePending(ctx, s.batchSize)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("sweeper: list stale pending: %w", err))
			return
		}
		progressed := false
		for _, appt := range batch {
			if failed[appt.ID] {
				continue
			}
			_, err := s.appointments.Transition(ctx, appt.ID, booking.SystemActor(), booking.StatusAutoRejected, "")
			switch {
			case err == nil:
				res.AutoRejected++
				progressed = true
				s.metrics.ObserveSweepRecord("pending", nil)
			case errors.Is(err, apperr.ErrInvalidTransition):
				// Confirmed or rejected since it was listed.
				progressed = true
			default:
				failed[appt.ID] = true
				res.Errors = append(res.Errors, fmt.Errorf("sweeper: auto-reject %s: %w", appt.ID, err))
				s.metrics.ObserveSweepRecord("pending", err)
				s.logger.Error("auto-reject failed", "error", err, "appointment_id", appt.ID)
			}
		}
		if len(batch) < s.batchSize || !progressed {
			return
		}
	}
}

func (s *Sweeper) sweepWaitlist(ctx context.Context, res *Result) {
	failed := map[string]bool{}
	for i := 0; i < maxBatches && ctx.Err() == nil; i++ {
		batch, err := s.waitlist.ListLapsed(ctx, s.batchSize)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("sweeper: list lapsed entries: %w", err))
			return
		}
		progressed := false
		for _, entry := range batch {
			if failed[entry.ID] {
				continue
			}
			_, err := s.waitlist.ExpireLapsed(ctx, entry.ID)
			switch {
			case err == nil:
				res.WaitlistExpired++
				progressed = true
				s.metrics.ObserveSweepRecord("waitlist", nil)
			case errors.Is(err, waitlist.ErrConflict), errors.Is(err, apperr.ErrNotFound):
				// Confirmed or withdrawn since it was listed.
				progressed = true
			default:
				failed[entry.ID] = true
				res.Errors = append(res.Errors, fmt.Errorf("sweeper: expire entry %s: %w", entry.ID, err))
				s.metrics.ObserveSweepRecord("waitlist", err)
				s.logger.Error("waitlist expiry failed", "error", err, "entry_id", entry.ID)
			}
		}
		if len(batch) < s.batchSize || !progressed {
			return
		}
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger.Info("sweeper started", "interval", interval)
	s.RunOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Schedule sweeps on a cron expression (UTC) until ctx is done.
func (s *Sweeper) Schedule(ctx context.Context, spec string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("sweeper: invalid schedule %q: %w", spec, err)
	}
	c.Start()
	s.logger.Info("sweeper scheduled", "schedule", spec)

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}
