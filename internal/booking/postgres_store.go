package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/capacity"
)

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists appointments in Postgres.
type PostgresStore struct {
	pool PgxPool
}

func NewPostgresStore(pool PgxPool) *PostgresStore {
	if pool == nil {
		panic("booking: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

const appointmentColumns = `id, provider_id, client_id, starts_at, duration_minutes, status,
	credit_ref, price_cents, client_message, cancel_reason, penalty_waived,
	confirmed_at, cancelled_at, done_at, created_at, updated_at`

// SlotLockKey is the advisory lock key serializing admissions to one slot.
func SlotLockKey(providerID string, slot time.Time) string {
	return fmt.Sprintf("appointments|%s|%s", providerID, slot.UTC().Format(time.RFC3339))
}

func (s *PostgresStore) CountActive(ctx context.Context, providerID string, slot time.Time) (int, error) {
	var n int
	query := `
		SELECT count(*) FROM appointments
		WHERE provider_id = $1 AND starts_at = $2 AND status IN ('pending', 'confirmed')
	`
	if err := s.pool.QueryRow(ctx, query, providerID, slot.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("booking: count active: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Insert(ctx context.Context, appt *Appointment, limit int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, SlotLockKey(appt.ProviderID, appt.StartsAt)); err != nil {
		return fmt.Errorf("booking: lock slot: %w", err)
	}

	var active int
	countQuery := `
		SELECT count(*) FROM appointments
		WHERE provider_id = $1 AND starts_at = $2 AND status IN ('pending', 'confirmed')
	`
	if err := tx.QueryRow(ctx, countQuery, appt.ProviderID, appt.StartsAt).Scan(&active); err != nil {
		return fmt.Errorf("booking: count active: %w", err)
	}
	if err := capacity.Check(active, limit, appt.ProviderID, appt.StartsAt); err != nil {
		return err
	}

	insert := `
		INSERT INTO appointments (` + appointmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	if _, err := tx.Exec(ctx, insert,
		appt.ID, appt.ProviderID, appt.ClientID, appt.StartsAt, appt.DurationMinutes, string(appt.Status),
		appt.CreditRef, appt.PriceCents, appt.ClientMessage, appt.CancelReason, appt.PenaltyWaived,
		appt.ConfirmedAt, appt.CancelledAt, appt.DoneAt, appt.CreatedAt, appt.UpdatedAt,
	); err != nil {
		return fmt.Errorf("booking: insert appointment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	appt, err := scanAppointment(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: get appointment: %w", err)
	}
	return appt, nil
}

func (s *PostgresStore) Update(ctx context.Context, appt *Appointment, expected Status) error {
	query := `
		UPDATE appointments
		SET status = $3,
			cancel_reason = $4,
			penalty_waived = $5,
			confirmed_at = $6,
			cancelled_at = $7,
			done_at = $8,
			updated_at = $9
		WHERE id = $1 AND status = $2
	`
	ct, err := s.pool.Exec(ctx, query,
		appt.ID, string(expected), string(appt.Status), appt.CancelReason, appt.PenaltyWaived,
		appt.ConfirmedAt, appt.CancelledAt, appt.DoneAt, appt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("booking: update appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) WaivePenalty(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE appointments
		SET penalty_waived = true, updated_at = $2
		WHERE id = $1 AND status = 'cancelled_late_by_client' AND NOT penalty_waived
	`
	ct, err := s.pool.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("booking: waive penalty: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Appointment, error) {
	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("booking: list stale pending: %w", err)
	}
	return collectAppointments(rows)
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProviderID != "" {
		add("provider_id = $%d", filter.ProviderID)
	}
	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.From != nil {
		add("starts_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("starts_at < $%d", *filter.To)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY starts_at, created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("booking: list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a      Appointment
		status string
	)
	err := row.Scan(
		&a.ID, &a.ProviderID, &a.ClientID, &a.StartsAt, &a.DurationMinutes, &status,
		&a.CreditRef, &a.PriceCents, &a.ClientMessage, &a.CancelReason, &a.PenaltyWaived,
		&a.ConfirmedAt, &a.CancelledAt, &a.DoneAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.StartsAt = a.StartsAt.UTC()
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("booking: iterate appointments: %w", err)
	}
	return out, nil
}
