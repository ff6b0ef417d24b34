package proxy

import "sync"

// Route binds a deployment id to the loopback endpoint its container
// published. Only running deployments have routes.
type Route struct {
	DeploymentID int64
	Endpoint     string
}

// Table is the in-memory route set consulted on every forward. The
// deployment controller owns all writes; it installs a route when a
// deployment becomes routable and drops it on any transition away from
// running.
type Table struct {
	mu     sync.RWMutex
	routes map[int64]Route
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{routes: make(map[int64]Route)}
}

// Set installs or replaces the route for a deployment.
func (t *Table) Set(deploymentID int64, endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[deploymentID] = Route{DeploymentID: deploymentID, Endpoint: endpoint}
}

// Drop removes the route for a deployment. Dropping an absent route is a
// no-op.
func (t *Table) Drop(deploymentID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, deploymentID)
}

// Lookup returns the installed route for a deployment, if any.
func (t *Table) Lookup(deploymentID int64) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[deploymentID]
	return r, ok
}

// Len reports how many routes are installed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
