package acl

import (
	"context"
	"errors"
	"log/slog"

	"github.com/objacl/objacl/internal/audit"
	"github.com/objacl/objacl/internal/observability"
)

// AclReader is the read surface the evaluator needs.
type AclReader interface {
	ReadAcl(ctx context.Context, oid ObjectIdentity) (*Acl, error)
}

// Evaluator answers "does this principal hold one of these permissions on
// this object". It never errors towards callers: a missing Acl, a failed
// read or an undecided walk all evaluate to deny.
type Evaluator struct {
	acls     AclReader
	logger   *slog.Logger
	recorder audit.Recorder
	metrics  *observability.Metrics
}

// NewEvaluator wires the evaluator. recorder and metrics may be nil.
func NewEvaluator(acls AclReader, logger *slog.Logger, recorder audit.Recorder, metrics *observability.Metrics) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{acls: acls, logger: logger, recorder: recorder, metrics: metrics}
}

// HasPermission resolves the target's Acl and decides the request with the
// principal's ordered sids. The permission list carries ANY semantics in
// caller order. When the decisive entry has its matching audit flag set, the
// decision is written to the audit trail.
func (e *Evaluator) HasPermission(ctx context.Context, principal Principal, oid ObjectIdentity, perms ...Permission) bool {
	if len(perms) == 0 {
		return false
	}
	acl, err := e.acls.ReadAcl(ctx, oid)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Error("acl read for decision", slog.String("oid", oid.String()), slog.Any("error", err))
		}
		e.metrics.ObserveDecision(false)
		return false
	}
	granted, entry := DecideEntry(acl, principal.Sids(), perms)
	e.metrics.ObserveDecision(granted)
	e.auditDecision(ctx, principal, oid, granted, entry)
	return granted
}

func (e *Evaluator) auditDecision(ctx context.Context, principal Principal, oid ObjectIdentity, granted bool, entry *Entry) {
	if e.recorder == nil || entry == nil {
		return
	}
	if granted && !entry.AuditSuccess {
		return
	}
	if !granted && !entry.AuditFailure {
		return
	}
	g := granted
	if err := e.recorder.Record(ctx, audit.Record{
		Actor:      principal.Name,
		Action:     "acl.decision",
		ObjectType: oid.Type,
		ObjectID:   oid.ID,
		Granted:    &g,
		Meta: map[string]any{
			"permission": entry.Permission.String(),
			"sid":        entry.Sid.String(),
			"entry_id":   entry.ID,
		},
	}); err != nil {
		e.logger.Warn("acl decision audit", slog.Any("error", err))
	}
}
