package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionState is the lifecycle state of a dispatched task.
type ExecutionState string

const (
	ExecutionStatePending ExecutionState = "pending"
	ExecutionStateRunning ExecutionState = "running"
	// Terminal states.
	ExecutionStateCompleted ExecutionState = "completed"
	ExecutionStateFailed    ExecutionState = "failed"
	ExecutionStateTimedOut  ExecutionState = "timed-out"
	ExecutionStateCancelled ExecutionState = "cancelled"
)

var executionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionStatePending:   {ExecutionStateRunning, ExecutionStateFailed, ExecutionStateCancelled},
	ExecutionStateRunning:   {ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateTimedOut, ExecutionStateCancelled},
	ExecutionStateCompleted: {},
	ExecutionStateFailed:    {},
	ExecutionStateTimedOut:  {},
	ExecutionStateCancelled: {},
}

// Valid reports whether s is a known execution state.
func (s ExecutionState) Valid() bool {
	_, ok := executionTransitions[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionStateCompleted, ExecutionStateFailed, ExecutionStateTimedOut, ExecutionStateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s → to is a legal edge.
func (s ExecutionState) CanTransition(to ExecutionState) bool {
	for _, n := range executionTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Execution is one dispatched task against a hired agent. ExecID is the
// opaque identifier propagated to the resource gateway; usage rows attach to
// the row id.
type Execution struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Version   int64     `db:"version" json:"version"`

	ExecID    string `db:"exec_id" json:"exec_id"`
	AgentID   int64  `db:"agent_id" json:"agent_id"`
	HiringID  *int64 `db:"hiring_id" json:"hiring_id,omitempty"`
	UserID    *int64 `db:"user_id" json:"user_id,omitempty"`
	Operation string `db:"operation" json:"operation"`

	State       ExecutionState `db:"state" json:"state"`
	StartedAt   *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	DurationMS  int64          `db:"duration_ms" json:"duration_ms"`
	// HeartbeatAt is stamped while running so the stale reaper never kills
	// live work.
	HeartbeatAt *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`

	Input  JSONDoc `db:"input" json:"input,omitempty"`
	Output JSONDoc `db:"output" json:"output,omitempty"`

	ErrorCategory string `db:"error_category" json:"error_category,omitempty"`
	ErrorCode     string `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage  string `db:"error_message" json:"error_message,omitempty"`

	// CostTotal is finalized at completion as the sum of the execution's
	// usage rows.
	CostTotal decimal.Decimal `db:"cost_total" json:"cost_total"`
}

// Duration returns the recorded wall-clock duration.
func (e *Execution) Duration() time.Duration {
	return time.Duration(e.DurationMS) * time.Millisecond
}
