package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// CanTransition reports whether from -> to is a legal status move.
// The lifecycle is one-directional: pending -> processing -> completed|failed.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// EffectConfig is one entry of a job's effect chain. Params override the
// catalog defaults for the named effect.
type EffectConfig struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Job is the durable record for one audio processing request.
// The effect chain is immutable after creation. OutputKey and the normalized
// keys are set only on completion; ErrorMessage only on failure.
type Job struct {
	ID                  string         `json:"job_id"`
	Status              string         `json:"status"`
	InputKey            string         `json:"input_key"`
	OutputKey           *string        `json:"output_key,omitempty"`
	InputNormalizedKey  *string        `json:"input_normalized_key,omitempty"`
	OutputNormalizedKey *string        `json:"output_normalized_key,omitempty"`
	EffectChain         []EffectConfig `json:"effect_chain"`
	OriginalFilename    *string        `json:"original_filename,omitempty"`
	ErrorMessage        *string        `json:"error_message,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt           time.Time      `json:"expires_at"`
}

// StartMessage is the queue message body; one job per message.
type StartMessage struct {
	JobID string `json:"job_id"`
}
