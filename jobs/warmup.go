package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/objacl/objacl/internal/acl"
	jobmetrics "github.com/objacl/objacl/internal/jobs"
)

// WarmupJob pre-populates the Acl cache for the most recently mutated
// identities, so the first request after a deploy or flush does not pay the
// store round trip.
type WarmupJob struct {
	Service *acl.Service
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewWarmupJob wires dependencies for the warmup handler.
func NewWarmupJob(service *acl.Service, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *WarmupJob {
	return &WarmupJob{Service: service, Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle processes TaskACLWarmup tasks.
func (j *WarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil || j.Pool == nil {
		return errors.New("acl warmup: handler not configured")
	}
	var payload WarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = 256
	}

	tracker := j.Metrics.Track(TaskACLWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("limit", payload.Limit))
	logger.Info("starting acl cache warmup")

	oids, err := j.recentIdentities(ctx, payload.Limit)
	if err != nil {
		resultErr = err
		logger.Error("load warmup identities", slog.Any("error", err))
		return resultErr
	}
	if len(oids) == 0 {
		logger.Info("no identities to warm")
		return resultErr
	}

	// ReadAcls writes every resolved Acl back into the cache.
	acls, err := j.Service.ReadAcls(ctx, oids, nil)
	if err != nil {
		resultErr = err
		logger.Error("warm acl batch", slog.Any("error", err))
		return resultErr
	}
	logger.Info("acl cache warmup complete", slog.Int("requested", len(oids)), slog.Int("warmed", len(acls)))
	return resultErr
}

func (j *WarmupJob) recentIdentities(ctx context.Context, limit int) ([]acl.ObjectIdentity, error) {
	rows, err := j.Pool.Query(ctx, `
		SELECT c.class, oi.object_id
		FROM acl_object_identity oi
		JOIN acl_class c ON c.id = oi.class_id
		ORDER BY oi.version DESC, oi.id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var oids []acl.ObjectIdentity
	for rows.Next() {
		var oid acl.ObjectIdentity
		if err := rows.Scan(&oid.Type, &oid.ID); err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return oids, rows.Err()
}

func (j *WarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
