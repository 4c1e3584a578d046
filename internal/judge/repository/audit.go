package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codehakam/internal/common/db"
)

// AuditRecord is one admin action. Detail must be JSON-encodable; the matched
// banned pattern on a rejected submission also lands here, never in the
// client response.
type AuditRecord struct {
	ActorID string
	Action  string
	Subject string
	Detail  map[string]any
}

// AuditRepository appends admin/audit actions.
type AuditRepository interface {
	Insert(ctx context.Context, tx db.Transaction, record *AuditRecord) error
}

// RBACRepository answers permission checks for non-admin roles.
type RBACRepository interface {
	HasGrant(ctx context.Context, userID, permission string) (bool, error)
}

// PostgresAuditRepository implements AuditRepository.
type PostgresAuditRepository struct {
	provider db.Provider
}

// NewAuditRepository creates an audit repository.
func NewAuditRepository(provider db.Provider) AuditRepository {
	return &PostgresAuditRepository{provider: provider}
}

// Insert appends one audit record.
func (r *PostgresAuditRepository) Insert(ctx context.Context, tx db.Transaction, record *AuditRecord) error {
	if record == nil {
		return errors.New("audit record is nil")
	}
	if record.ActorID == "" {
		return errors.New("actor id is required")
	}
	if record.Action == "" {
		return errors.New("action is required")
	}

	detail := record.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}

	querier, err := db.GetProviderQuerier(r.provider, tx)
	if err != nil {
		return err
	}
	_, err = querier.Exec(
		ctx,
		"INSERT INTO audit_records (actor_id, action, subject, detail) VALUES ($1, $2, $3, $4)",
		record.ActorID,
		record.Action,
		record.Subject,
		string(data),
	)
	return err
}

// PostgresRBACRepository implements RBACRepository.
type PostgresRBACRepository struct {
	provider db.Provider
}

// NewRBACRepository creates an RBAC repository.
func NewRBACRepository(provider db.Provider) RBACRepository {
	return &PostgresRBACRepository{provider: provider}
}

// HasGrant reports whether the user holds the permission.
func (r *PostgresRBACRepository) HasGrant(ctx context.Context, userID, permission string) (bool, error) {
	if userID == "" || permission == "" {
		return false, nil
	}
	querier, err := db.GetProviderQuerier(r.provider, nil)
	if err != nil {
		return false, err
	}
	var one int
	err = querier.QueryRow(
		ctx,
		"SELECT 1 FROM rbac_grants WHERE user_id = $1 AND permission = $2",
		userID,
		permission,
	).Scan(&one)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
