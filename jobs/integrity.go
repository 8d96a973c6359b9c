package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/objacl/objacl/internal/jobs"
)

// IntegrityJob scans the ACL tables for structural problems that the write
// path should prevent but corruption or manual edits can introduce: cyclic
// or overlong parent chains and non-dense entry ordering.
type IntegrityJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIntegrityJob wires dependencies for the integrity handler.
func NewIntegrityJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle processes TaskACLIntegrity tasks.
func (j *IntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("acl integrity: handler not configured")
	}
	var payload IntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MaxDepth <= 0 {
		payload.MaxDepth = 64
	}

	tracker := j.Metrics.Track(TaskACLIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting acl integrity scan", slog.Int("max_depth", payload.MaxDepth))

	deep, err := j.suspectChains(ctx, payload.MaxDepth)
	if err != nil {
		resultErr = err
		logger.Error("scan parent chains", slog.Any("error", err))
		return resultErr
	}
	for _, oid := range deep {
		logger.Warn("acl parent chain exceeds depth bound", slog.String("oid", oid))
	}
	j.Metrics.AddFindings("deep_chain", len(deep))

	sparse, err := j.sparseOrders(ctx)
	if err != nil {
		resultErr = err
		logger.Error("scan entry order", slog.Any("error", err))
		return resultErr
	}
	for _, oid := range sparse {
		logger.Warn("acl entries not densely ordered", slog.String("oid", oid))
	}
	j.Metrics.AddFindings("sparse_order", len(sparse))

	logger.Info("acl integrity scan complete",
		slog.Int("deep_chains", len(deep)), slog.Int("sparse_orders", len(sparse)))
	return resultErr
}

// suspectChains reports identities whose ancestor walk exceeds maxDepth.
// A chain that long in practice means a cycle slipped past the write path.
func (j *IntegrityJob) suspectChains(ctx context.Context, maxDepth int) ([]string, error) {
	rows, err := j.Pool.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id AS start_id, parent_id, 1 AS depth
			FROM acl_object_identity
			WHERE parent_id IS NOT NULL
			UNION ALL
			SELECT ch.start_id, oi.parent_id, ch.depth + 1
			FROM chain ch
			JOIN acl_object_identity oi ON oi.id = ch.parent_id
			WHERE ch.depth <= $1
		)
		SELECT DISTINCT c.class || ':' || oi.object_id
		FROM chain ch
		JOIN acl_object_identity oi ON oi.id = ch.start_id
		JOIN acl_class c ON c.id = oi.class_id
		WHERE ch.depth > $1`, maxDepth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows.Next, rows.Scan, rows.Err)
}

func (j *IntegrityJob) sparseOrders(ctx context.Context) ([]string, error) {
	rows, err := j.Pool.Query(ctx, `
		SELECT c.class || ':' || oi.object_id
		FROM acl_object_identity oi
		JOIN acl_class c ON c.id = oi.class_id
		JOIN acl_entry e ON e.object_identity_id = oi.id
		GROUP BY c.class, oi.object_id
		HAVING MIN(e.ace_order) <> 0 OR MAX(e.ace_order) <> COUNT(*) - 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows.Next, rows.Scan, rows.Err)
}

func collectStrings(next func() bool, scan func(...any) error, rowsErr func() error) ([]string, error) {
	var out []string
	for next() {
		var s string
		if err := scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rowsErr()
}

func (j *IntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
