package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"codehakam/internal/common/db"
)

// OutboxEntry is one event awaiting publication to the event exchange.
type OutboxEntry struct {
	ID         int64
	EventID    string
	RoutingKey string
	Payload    []byte
}

// OutboxRepository stores events transactionally with the state change that
// caused them; a sweeper publishes and marks them afterwards.
type OutboxRepository interface {
	Insert(ctx context.Context, tx db.Transaction, eventID, routingKey string, payload any) error
	PickUnpublished(ctx context.Context, tx db.Transaction, limit int) ([]*OutboxEntry, error)
	MarkPublished(ctx context.Context, tx db.Transaction, ids []int64) error
}

// PostgresOutboxRepository implements OutboxRepository on the common db
// wrapper.
type PostgresOutboxRepository struct {
	provider db.Provider
}

// NewOutboxRepository creates an outbox repository.
func NewOutboxRepository(provider db.Provider) OutboxRepository {
	return &PostgresOutboxRepository{provider: provider}
}

// Insert stores one event row inside the caller's transaction.
func (r *PostgresOutboxRepository) Insert(ctx context.Context, tx db.Transaction, eventID, routingKey string, payload any) error {
	querier, err := db.GetProviderQuerier(r.provider, tx)
	if err != nil {
		return err
	}
	return insertOutboxWith(ctx, querier, eventID, routingKey, payload)
}

// PickUnpublished locks up to limit unpublished rows for this transaction.
// Rows locked by a concurrent sweeper are skipped, not waited on.
func (r *PostgresOutboxRepository) PickUnpublished(ctx context.Context, tx db.Transaction, limit int) ([]*OutboxEntry, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	query := `
		SELECT id, event_id, routing_key, payload
		FROM submission_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.RoutingKey, &entry.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkPublished stamps the rows as published.
func (r *PostgresOutboxRepository) MarkPublished(ctx context.Context, tx db.Transaction, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	querier, err := db.GetProviderQuerier(r.provider, tx)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	query := "UPDATE submission_outbox SET published_at = now() WHERE id IN (" +
		strings.Join(placeholders, ", ") + ")"
	_, err = querier.Exec(ctx, query, args...)
	return err
}

// insertOutbox writes one event row using the transaction the state change
// runs in, so a committed change always has its event.
func insertOutbox(ctx context.Context, tx db.Transaction, eventID, routingKey string, payload any) error {
	return insertOutboxWith(ctx, tx, eventID, routingKey, payload)
}

func insertOutboxWith(ctx context.Context, querier db.Querier, eventID, routingKey string, payload any) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	if routingKey == "" {
		return errors.New("routing key is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", routingKey, err)
	}
	_, err = querier.Exec(
		ctx,
		"INSERT INTO submission_outbox (event_id, routing_key, payload) VALUES ($1, $2, $3)",
		eventID,
		routingKey,
		string(data),
	)
	return err
}
