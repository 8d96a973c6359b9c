// Package audit persists the ACL audit trail: mutation records and the
// evaluation decisions whose decisive entry carried an audit flag.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one audit row.
type Record struct {
	ID         uuid.UUID
	Actor      string
	Action     string
	ObjectType string
	ObjectID   int64
	Granted    *bool
	Meta       map[string]any
	At         time.Time
}

// Recorder accepts audit records. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Logger writes records into acl_audit_logs.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger returns a new Logger.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Record persists the audit entry.
func (l *Logger) Record(ctx context.Context, rec Record) error {
	if l == nil || l.pool == nil {
		return errors.New("audit: logger not initialised")
	}
	if rec.Action == "" || rec.ObjectType == "" {
		return errors.New("audit: record requires action and object type")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	metaJSON, err := json.Marshal(rec.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO acl_audit_logs (id, actor, action, object_type, object_id, granted, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE(NULLIF($8, '0001-01-01 00:00:00+00'::timestamptz), NOW()))`,
		rec.ID, rec.Actor, rec.Action, rec.ObjectType, rec.ObjectID, rec.Granted, metaJSON, rec.At)
	return err
}
