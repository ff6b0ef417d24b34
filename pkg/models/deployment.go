package models

import (
	"fmt"
	"time"
)

// DeploymentState is the controller-owned state of a deployment.
type DeploymentState string

const (
	DeploymentStatePending   DeploymentState = "pending"
	DeploymentStateBuilding  DeploymentState = "building"
	DeploymentStateStarting  DeploymentState = "starting"
	DeploymentStateRunning   DeploymentState = "running"
	DeploymentStateUnhealthy DeploymentState = "unhealthy"
	DeploymentStateStopping  DeploymentState = "stopping"
	// DeploymentStateStopped and DeploymentStateFailed are terminal.
	DeploymentStateStopped DeploymentState = "stopped"
	DeploymentStateFailed  DeploymentState = "failed"
)

// deploymentTransitions is the legal edge set of the deployment state
// machine. Restarts re-enter through starting; undeploy is legal from any
// live state.
var deploymentTransitions = map[DeploymentState][]DeploymentState{
	DeploymentStatePending:   {DeploymentStateBuilding, DeploymentStateStopping, DeploymentStateFailed},
	DeploymentStateBuilding:  {DeploymentStateStarting, DeploymentStateStopping, DeploymentStateFailed},
	DeploymentStateStarting:  {DeploymentStateRunning, DeploymentStateStopping, DeploymentStateFailed},
	DeploymentStateRunning:   {DeploymentStateUnhealthy, DeploymentStateStopping, DeploymentStateFailed},
	DeploymentStateUnhealthy: {DeploymentStateRunning, DeploymentStateStarting, DeploymentStateStopping, DeploymentStateFailed},
	DeploymentStateStopping:  {DeploymentStateStopped, DeploymentStateFailed},
	DeploymentStateStopped:   {},
	DeploymentStateFailed:    {},
}

// Valid reports whether s is a known deployment state.
func (s DeploymentState) Valid() bool {
	_, ok := deploymentTransitions[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s DeploymentState) Terminal() bool {
	return s == DeploymentStateStopped || s == DeploymentStateFailed
}

// CanTransition reports whether s → to is a legal edge.
func (s DeploymentState) CanTransition(to DeploymentState) bool {
	for _, n := range deploymentTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

// ResourceCaps are the effective, fully-resolved runtime caps of a
// deployment after defaulting and clamping.
type ResourceCaps struct {
	MemoryBytes int64   `db:"memory_bytes" json:"memory_bytes"`
	CPUQuota    float64 `db:"cpu_quota" json:"cpu_quota"`
	PIDsLimit   int64   `db:"pids_limit" json:"pids_limit"`
}

// Deployment is one materialization of a hiring as a supervised container.
// A hiring has at most one non-terminal deployment at any time.
type Deployment struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Version   int64     `db:"version" json:"version"`

	HiringID int64           `db:"hiring_id" json:"hiring_id"`
	AgentID  int64           `db:"agent_id" json:"agent_id"`
	Kind     AgentKind       `db:"kind" json:"kind"`
	State    DeploymentState `db:"state" json:"state"`

	ContainerID      string `db:"container_id" json:"container_id,omitempty"`
	ImageTag         string `db:"image_tag" json:"image_tag,omitempty"`
	InternalEndpoint string `db:"internal_endpoint" json:"internal_endpoint,omitempty"`
	RoutePrefix      string `db:"route_prefix" json:"route_prefix,omitempty"`

	ResourceCaps

	LastProbeAt  *time.Time `db:"last_probe_at" json:"last_probe_at,omitempty"`
	LastProbeOK  bool       `db:"last_probe_ok" json:"last_probe_ok"`
	RestartCount int64      `db:"restart_count" json:"restart_count"`
	StatusReason string     `db:"status_reason" json:"status_reason,omitempty"`
}

// RoutePrefixFor returns the public proxy prefix for a deployment id.
func RoutePrefixFor(deploymentID int64) string {
	return fmt.Sprintf("/p/%d", deploymentID)
}

// Routable reports whether the proxy may forward traffic to the deployment.
func (d *Deployment) Routable() bool {
	return d.State == DeploymentStateRunning
}

// Live reports whether the deployment still occupies its hiring's
// single-deployment slot.
func (d *Deployment) Live() bool {
	return !d.State.Terminal()
}
