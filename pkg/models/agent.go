// Package models defines the persistent entities of the hirebay runtime and
// the status/kind enumerations shared across components. Only identifiers
// cross component boundaries; entities are always re-read from the store.
package models

import (
	"time"
)

// AgentKind selects the invocation strategy for an agent.
type AgentKind string

const (
	// KindFunctionSandboxed runs the entry point in an OS subprocess sandbox
	// per execution; no container is deployed.
	KindFunctionSandboxed AgentKind = "function-sandboxed"
	// KindFunctionContainerized runs the entry point inside the hiring's
	// container via an exec per execution.
	KindFunctionContainerized AgentKind = "function-containerized"
	// KindEndpointServer deploys a long-lived HTTP server container; calls
	// are HTTP requests through the reverse proxy.
	KindEndpointServer AgentKind = "endpoint-server"
	// KindPersistentStateful is an endpoint server that keeps state between
	// calls; deployment lifecycle is identical to KindEndpointServer.
	KindPersistentStateful AgentKind = "persistent-stateful"
)

// Valid reports whether k is a known agent kind.
func (k AgentKind) Valid() bool {
	switch k {
	case KindFunctionSandboxed, KindFunctionContainerized, KindEndpointServer, KindPersistentStateful:
		return true
	}
	return false
}

// Deployable reports whether the kind materializes as a container deployment.
// Sandboxed functions run per-execution subprocesses instead.
func (k AgentKind) Deployable() bool {
	return k != KindFunctionSandboxed
}

// Endpoint reports whether executions reach the agent over HTTP.
func (k AgentKind) Endpoint() bool {
	return k == KindEndpointServer || k == KindPersistentStateful
}

// AgentStatus is the admission status of an agent.
type AgentStatus string

const (
	AgentStatusSubmitted AgentStatus = "submitted"
	AgentStatusApproved  AgentStatus = "approved"
	AgentStatusRejected  AgentStatus = "rejected"
)

// Agent is an admitted, immutable code bundle plus manifest. After approval
// the manifest never changes; new versions are new agents.
type Agent struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Version   int64     `db:"version" json:"version"`

	Name         string      `db:"name" json:"name"`
	AgentVersion string      `db:"agent_version" json:"agent_version"`
	Kind         AgentKind   `db:"kind" json:"kind"`
	Status       AgentStatus `db:"status" json:"status"`
	CodeDigest   string      `db:"code_digest" json:"code_digest"`
	BundlePath   string      `db:"bundle_path" json:"bundle_path"`
	Manifest     Manifest    `db:"manifest" json:"manifest"`
}

// Hireable reports whether the agent can currently be hired.
func (a *Agent) Hireable() bool {
	return a.Status == AgentStatusApproved
}
