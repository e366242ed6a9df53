package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/slotkeeper/internal/booking"
	"github.com/wolfman30/slotkeeper/internal/capacity"
	appconfig "github.com/wolfman30/slotkeeper/internal/config"
	"github.com/wolfman30/slotkeeper/internal/events"
	"github.com/wolfman30/slotkeeper/internal/ledger"
	"github.com/wolfman30/slotkeeper/internal/notify"
	"github.com/wolfman30/slotkeeper/internal/observability/metrics"
	"github.com/wolfman30/slotkeeper/internal/policy"
	"github.com/wolfman30/slotkeeper/internal/sweeper"
	"github.com/wolfman30/slotkeeper/internal/waitlist"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// Core is the wired domain layer shared by the API and sweeper binaries.
type Core struct {
	Bookings *booking.Service
	Queue    *waitlist.Queue
	Sweeper  *sweeper.Sweeper
	Policies *policy.Resolver
	Gate     *capacity.Gate
	// LimitStore is nil when capacity limits are static.
	LimitStore *capacity.RedisLimits
	Outbox     events.Outbox
	Metrics    *metrics.ArbiterMetrics

	Pool  *pgxpool.Pool
	SQL   *sql.DB
	Redis *redis.Client
}

// BuildCore connects storage and wires the booking, waitlist and sweeper
// services. Memory stores are used when no database is configured.
func BuildCore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) (*Core, error) {
	if logger == nil {
		logger = logging.Default()
	}
	core := &Core{}
	if reg != nil {
		core.Metrics = metrics.NewArbiterMetrics(reg)
	}

	var (
		apptStore     booking.Store
		counter       capacity.Counter
		waitlistStore waitlist.Store
		policyStore   policy.Store
	)
	if cfg.UseMemoryStorage() {
		logger.Warn("using in-memory storage; state is lost on restart")
		mem := booking.NewMemoryStore()
		apptStore, counter = mem, mem
		waitlistStore = waitlist.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		core.Outbox = events.NewMemoryOutbox()
	} else {
		pool, err := ConnectPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		db, err := OpenSQL(ctx, cfg.DatabaseURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		core.Pool, core.SQL = pool, db
		pg := booking.NewPostgresStore(pool)
		apptStore, counter = pg, pg
		waitlistStore = waitlist.NewPostgresStore(pool)
		policyStore = policy.NewSQLStore(db)
		core.Outbox = events.NewOutboxStore(pool).WithClaimTTL(cfg.OutboxClaimTTL)
	}

	core.Redis = BuildRedisClient(ctx, cfg, logger, true)

	var limits capacity.Limits = capacity.StaticLimits{Default: cfg.DefaultCapacity}
	if core.Redis != nil {
		core.LimitStore = capacity.NewRedisLimits(core.Redis, cfg.DefaultCapacity)
		limits = core.LimitStore
	}
	core.Gate = capacity.NewGate(limits, counter, logger).WithDefaultLimit(cfg.DefaultCapacity)

	core.Policies = policy.NewResolver(policyStore, logger).
		WithDefaultThreshold(cfg.DefaultThresholdHours).
		WithMetrics(core.Metrics)
	if core.Redis != nil {
		core.Policies.WithCache(policy.NewRedisCache(core.Redis, cfg.PolicyCacheTTL))
	}

	accountant, err := buildAccountant(cfg, logger)
	if err != nil {
		core.Close()
		return nil, err
	}
	notifier := notify.NewOutboxNotifier(core.Outbox)

	core.Bookings = booking.NewService(apptStore, core.Gate, core.Policies, logger).
		WithAccountant(accountant).
		WithNotifier(notifier).
		WithEvents(core.Outbox).
		WithMetrics(core.Metrics).
		WithPendingTTL(cfg.PendingTTL)

	core.Queue = waitlist.NewQueue(waitlistStore, core.Bookings, logger).
		WithNotifier(notifier).
		WithEvents(core.Outbox).
		WithMetrics(core.Metrics).
		WithWindow(cfg.WaitlistWindow)
	core.Bookings.SetSlotListener(core.Queue)

	core.Sweeper = sweeper.New(core.Bookings, core.Queue, logger).
		WithBatchSize(cfg.SweepBatchSize).
		WithMetrics(core.Metrics)

	return core, nil
}

func buildAccountant(cfg *appconfig.Config, logger *logging.Logger) (ledger.Accountant, error) {
	if cfg.LedgerBaseURL == "" {
		logger.Warn("LEDGER_BASE_URL not set; credit consumption is only logged")
		return ledger.NewLogAccountant(logger), nil
	}
	accountant, err := ledger.NewHTTPAccountant(ledger.Config{
		BaseURL: cfg.LedgerBaseURL,
		Timeout: cfg.LedgerTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: ledger client: %w", err)
	}
	return accountant, nil
}

// HealthChecks returns probes for the connected dependencies.
func (c *Core) HealthChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{}
	if c.Pool != nil {
		checks["postgres"] = c.Pool.Ping
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases the storage connections.
func (c *Core) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.SQL != nil {
		_ = c.SQL.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
