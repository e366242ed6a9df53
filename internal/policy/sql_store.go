package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/wolfman30/slotkeeper/internal/apperr"
)

// SQLStore reads and writes cancellation_policies through database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("policy: sql db required")
	}
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, providerID string) (Policy, error) {
	query := `
		SELECT provider_id, threshold_hours, no_show_counts, client_message, updated_at
		FROM cancellation_policies
		WHERE provider_id = $1
	`
	var (
		p       Policy
		message sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, providerID).Scan(
		&p.ProviderID, &p.ThresholdHours, &p.NoShowCounts, &message, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, ErrNoPolicy
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policy: get: %w", err)
	}
	p.ClientMessage = message.String
	return p, nil
}

func (s *SQLStore) Upsert(ctx context.Context, p Policy) (Policy, error) {
	query := `
		INSERT INTO cancellation_policies (provider_id, threshold_hours, no_show_counts, client_message, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (provider_id) DO UPDATE SET
			threshold_hours = EXCLUDED.threshold_hours,
			no_show_counts = EXCLUDED.no_show_counts,
			client_message = EXCLUDED.client_message,
			updated_at = now()
		RETURNING updated_at
	`
	message := sql.NullString{String: p.ClientMessage, Valid: p.ClientMessage != ""}
	err := s.db.QueryRowContext(ctx, query, p.ProviderID, p.ThresholdHours, p.NoShowCounts, message).Scan(&p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
			return Policy{}, apperr.InvalidInput("policy rejected: %s", pqErr.Message)
		}
		return Policy{}, fmt.Errorf("policy: upsert: %w", err)
	}
	return p, nil
}
