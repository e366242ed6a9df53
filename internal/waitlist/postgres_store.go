package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/slotkeeper/internal/apperr"
)

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists entries in Postgres. Group mutations hold a
// transaction-scoped advisory lock keyed by GroupLockKey.
type PostgresStore struct {
	pool PgxPool
}

func NewPostgresStore(pool PgxPool) *PostgresStore {
	if pool == nil {
		panic("waitlist: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

const entryColumns = `id, provider_id, slot, client_id, duration_minutes, position, status,
	notified_at, expires_at, appointment_id, created_at, updated_at`

// GroupLockKey is the advisory lock key for one (provider, slot) queue.
func GroupLockKey(providerID string, slot time.Time) string {
	return fmt.Sprintf("waitlist|%s|%s", providerID, slot.UTC().Format(time.RFC3339))
}

const renumberSQL = `
	UPDATE waitlist_entries AS w
	SET position = r.rn
	FROM (
		SELECT id, row_number() OVER (ORDER BY position, created_at) AS rn
		FROM waitlist_entries
		WHERE provider_id = $1 AND slot = $2 AND status IN ('waiting', 'notified')
	) AS r
	WHERE w.id = r.id AND w.position <> r.rn
`

func (s *PostgresStore) withGroupLock(ctx context.Context, providerID string, slot time.Time, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("waitlist: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, GroupLockKey(providerID, slot)); err != nil {
		return fmt.Errorf("waitlist: lock group: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("waitlist: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, entry *Entry) error {
	return s.withGroupLock(ctx, entry.ProviderID, entry.Slot, func(tx pgx.Tx) error {
		var existing string
		err := tx.QueryRow(ctx, `
			SELECT status FROM waitlist_entries
			WHERE provider_id = $1 AND slot = $2 AND client_id = $3
		`, entry.ProviderID, entry.Slot, entry.ClientID).Scan(&existing)
		if err == nil {
			return apperr.AlreadyQueued("client %s already has a waitlist entry for this slot (%s)", entry.ClientID, existing)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("waitlist: check existing: %w", err)
		}

		var active int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM waitlist_entries
			WHERE provider_id = $1 AND slot = $2 AND status IN ('waiting', 'notified')
		`, entry.ProviderID, entry.Slot).Scan(&active); err != nil {
			return fmt.Errorf("waitlist: count active: %w", err)
		}
		entry.Position = active + 1

		_, err = tx.Exec(ctx, `
			INSERT INTO waitlist_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, entry.ID, entry.ProviderID, entry.Slot, entry.ClientID, entry.DurationMinutes, entry.Position,
			string(entry.Status), entry.NotifiedAt, entry.ExpiresAt, entry.AppointmentID, entry.CreatedAt, entry.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return apperr.AlreadyQueued("client %s already has a waitlist entry for this slot", entry.ClientID)
			}
			return fmt.Errorf("waitlist: insert entry: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Promote(ctx context.Context, providerID string, slot time.Time, now, expiresAt time.Time) (*Entry, error) {
	var promoted *Entry
	err := s.withGroupLock(ctx, providerID, slot, func(tx pgx.Tx) error {
		var notified int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM waitlist_entries
			WHERE provider_id = $1 AND slot = $2 AND status = 'notified'
		`, providerID, slot).Scan(&notified); err != nil {
			return fmt.Errorf("waitlist: count notified: %w", err)
		}
		if notified > 0 {
			return nil
		}
		entry, err := scanEntry(tx.QueryRow(ctx, `
			UPDATE waitlist_entries
			SET status = 'notified', notified_at = $3, expires_at = $4, updated_at = $3
			WHERE id = (
				SELECT id FROM waitlist_entries
				WHERE provider_id = $1 AND slot = $2 AND status = 'waiting'
				ORDER BY position
				LIMIT 1
			)
			RETURNING `+entryColumns, providerID, slot, now, expiresAt))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("waitlist: promote: %w", err)
		}
		promoted = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("waitlist entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("waitlist: get entry: %w", err)
	}
	return entry, nil
}

// mutate locks the entry's group and applies a single-row statement that
// returns the row, then renumbers the group.
func (s *PostgresStore) mutate(ctx context.Context, id string, missing error, query string, args ...any) (*Entry, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *Entry
	err = s.withGroupLock(ctx, current.ProviderID, current.Slot, func(tx pgx.Tx) error {
		entry, err := scanEntry(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return missing
		}
		if err != nil {
			return fmt.Errorf("waitlist: update entry: %w", err)
		}
		if _, err := tx.Exec(ctx, renumberSQL, entry.ProviderID, entry.Slot); err != nil {
			return fmt.Errorf("waitlist: renumber: %w", err)
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Confirm(ctx context.Context, id, appointmentID string, now time.Time) (*Entry, error) {
	return s.mutate(ctx, id, ErrConflict, `
		UPDATE waitlist_entries
		SET status = 'confirmed', appointment_id = $2, position = 0, updated_at = $3
		WHERE id = $1 AND status = 'notified'
		RETURNING `+entryColumns, id, appointmentID, now)
}

func (s *PostgresStore) Expire(ctx context.Context, id string, now time.Time) (*Entry, error) {
	return s.mutate(ctx, id, ErrConflict, `
		UPDATE waitlist_entries
		SET status = 'expired', position = 0, updated_at = $2
		WHERE id = $1 AND status = 'notified' AND expires_at < $2
		RETURNING `+entryColumns, id, now)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (*Entry, error) {
	return s.mutate(ctx, id, apperr.NotFound("waitlist entry %s not found", id),
		`DELETE FROM waitlist_entries WHERE id = $1 RETURNING `+entryColumns, id)
}

func (s *PostgresStore) ListGroup(ctx context.Context, providerID string, slot time.Time) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE provider_id = $1 AND slot = $2
		ORDER BY status NOT IN ('waiting', 'notified'), position, created_at
	`, providerID, slot)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list group: %w", err)
	}
	return collectEntries(rows)
}

func (s *PostgresStore) ListForClient(ctx context.Context, clientID string) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE client_id = $1
		ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list for client: %w", err)
	}
	return collectEntries(rows)
}

func (s *PostgresStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE status = 'notified' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list lapsed: %w", err)
	}
	return collectEntries(rows)
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e      Entry
		status string
	)
	if err := row.Scan(
		&e.ID, &e.ProviderID, &e.Slot, &e.ClientID, &e.DurationMinutes, &e.Position, &status,
		&e.NotifiedAt, &e.ExpiresAt, &e.AppointmentID, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Status = EntryStatus(status)
	e.Slot = e.Slot.UTC()
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("waitlist: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("waitlist: iterate entries: %w", err)
	}
	return out, nil
}
