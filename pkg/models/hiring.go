package models

import (
	"time"
)

// HiringStatus is the lifecycle status of a hiring.
type HiringStatus string

const (
	HiringStatusActive    HiringStatus = "active"
	HiringStatusSuspended HiringStatus = "suspended"
	// HiringStatusCancelled is terminal.
	HiringStatusCancelled HiringStatus = "cancelled"
)

// Valid reports whether s is a known hiring status.
func (s HiringStatus) Valid() bool {
	switch s {
	case HiringStatusActive, HiringStatusSuspended, HiringStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s HiringStatus) Terminal() bool {
	return s == HiringStatusCancelled
}

// CanTransition reports whether s → to is a legal hiring transition.
func (s HiringStatus) CanTransition(to HiringStatus) bool {
	switch s {
	case HiringStatusActive:
		return to == HiringStatusSuspended || to == HiringStatusCancelled
	case HiringStatusSuspended:
		return to == HiringStatusActive || to == HiringStatusCancelled
	}
	return false
}

// Hiring binds a user to an approved agent and carries the user-supplied
// configuration. A hiring owns at most one live deployment at a time.
type Hiring struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Version   int64     `db:"version" json:"version"`

	AgentID int64        `db:"agent_id" json:"agent_id"`
	UserID  *int64       `db:"user_id" json:"user_id,omitempty"`
	Status  HiringStatus `db:"status" json:"status"`

	// Config was validated against the agent's initialize input schema at
	// hire time and is locked while a deployment is live.
	Config JSONDoc `db:"config" json:"config,omitempty"`
}

// Active reports whether executions may be dispatched against the hiring.
func (h *Hiring) Active() bool {
	return h.Status == HiringStatusActive
}
