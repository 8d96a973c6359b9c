// Package jobs defines the Asynq background tasks for ACL maintenance.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskACLWarmup pre-populates the Acl cache for recently mutated identities.
	TaskACLWarmup = "acl:warmup"
	// TaskACLIntegrity scans the ACL tables for structural problems.
	TaskACLIntegrity = "acl:integrity"
)

// WarmupPayload scopes a cache warmup run.
type WarmupPayload struct {
	// Limit caps how many identities are warmed, most recently mutated first.
	Limit int `json:"limit"`
}

// NewWarmupTask constructs an Asynq task for cache warmup.
func NewWarmupTask(payload WarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskACLWarmup, data), nil
}

// IntegrityPayload scopes an integrity scan run.
type IntegrityPayload struct {
	// MaxDepth bounds the ancestor walk; chains longer than this are
	// reported as suspect.
	MaxDepth int `json:"max_depth"`
}

// NewIntegrityTask constructs an Asynq task for the integrity scan.
func NewIntegrityTask(payload IntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskACLIntegrity, data), nil
}
