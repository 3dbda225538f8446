package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one administrator change, stored in audit_logs.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Validate checks the fields every record needs.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return NewError(KindValidation, "", errors.New("audit log needs action, entity and entity id"))
	}
	return nil
}

// AuditLogger appends change records to Postgres.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns an AuditLogger writing through pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

const insertAuditSQL = `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`

// Record appends log. A zero At takes the database clock.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return NewError(KindServerError, "", errors.New("audit logger not initialised"))
	}
	if err := log.Validate(); err != nil {
		return err
	}
	meta := log.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	if _, err := l.pool.Exec(ctx, insertAuditSQL, log.Actor, log.Action, log.Entity, log.EntityID, metaJSON, at); err != nil {
		return NewError(KindPersistence, "", fmt.Errorf("audit: insert: %w", err))
	}
	return nil
}
