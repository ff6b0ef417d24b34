package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hirebay/hirebay/pkg/models"
)

// Memory is an in-memory Store for tests. It enforces the same version,
// uniqueness, and referential rules as the SQL client. A transaction takes a
// snapshot under the store lock and holds the lock until Commit or Rollback,
// so a transaction body must only use the repositories it was handed.
type Memory struct {
	mu sync.Mutex
	d  memData
}

var _ Store = (*Memory)(nil)

type memData struct {
	lastID      int64
	agents      map[int64]*models.Agent
	hirings     map[int64]*models.Hiring
	deployments map[int64]*models.Deployment
	executions  map[int64]*models.Execution
	usage       map[int64]*models.UsageRow
	budgets     map[int64]*models.UserBudget
	credentials map[int64]*models.Credential
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{d: newMemData()}
}

func newMemData() memData {
	return memData{
		agents:      make(map[int64]*models.Agent),
		hirings:     make(map[int64]*models.Hiring),
		deployments: make(map[int64]*models.Deployment),
		executions:  make(map[int64]*models.Execution),
		usage:       make(map[int64]*models.UsageRow),
		budgets:     make(map[int64]*models.UserBudget),
		credentials: make(map[int64]*models.Credential),
	}
}

func (d *memData) newID() int64 {
	d.lastID++
	return d.lastID
}

func (d *memData) clone() memData {
	cp := newMemData()
	cp.lastID = d.lastID
	for id, v := range d.agents {
		cp.agents[id] = cloneJSON(v)
	}
	for id, v := range d.hirings {
		cp.hirings[id] = cloneJSON(v)
	}
	for id, v := range d.deployments {
		cp.deployments[id] = cloneJSON(v)
	}
	for id, v := range d.executions {
		cp.executions[id] = cloneJSON(v)
	}
	for id, v := range d.usage {
		cp.usage[id] = cloneJSON(v)
	}
	for id, v := range d.budgets {
		cp.budgets[id] = cloneJSON(v)
	}
	for id, v := range d.credentials {
		cp.credentials[id] = cloneCredential(v)
	}
	return cp
}

// cloneJSON deep-copies an entity through its JSON form. Entities are plain
// data, so the round trip is faithful.
func cloneJSON[T any](src *T) *T {
	raw, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

// cloneCredential copies explicitly: the ciphertext is excluded from JSON.
func cloneCredential(c *models.Credential) *models.Credential {
	cp := *c
	cp.Ciphertext = append([]byte(nil), c.Ciphertext...)
	return &cp
}

// enter acquires the store lock unless an open transaction already holds it.
func (m *Memory) enter(held bool) func() {
	if held {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) Agents() AgentRepo           { return memAgentRepo{m: m} }
func (m *Memory) Hirings() HiringRepo         { return memHiringRepo{m: m} }
func (m *Memory) Deployments() DeploymentRepo { return memDeploymentRepo{m: m} }
func (m *Memory) Executions() ExecutionRepo   { return memExecutionRepo{m: m} }
func (m *Memory) Usage() UsageRepo            { return memUsageRepo{m: m} }
func (m *Memory) Budgets() BudgetRepo         { return memBudgetRepo{m: m} }
func (m *Memory) Credentials() CredentialRepo { return memCredentialRepo{m: m} }

// Begin locks the store and snapshots it for rollback.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	return &memTx{m: m, snapshot: m.d.clone()}, nil
}

// RunInTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (m *Memory) RunInTx(ctx context.Context, fn func(Repos) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type memTx struct {
	m        *Memory
	snapshot memData
	done     bool
}

var _ Tx = (*memTx)(nil)

func (t *memTx) Agents() AgentRepo           { return memAgentRepo{m: t.m, inTx: true} }
func (t *memTx) Hirings() HiringRepo         { return memHiringRepo{m: t.m, inTx: true} }
func (t *memTx) Deployments() DeploymentRepo { return memDeploymentRepo{m: t.m, inTx: true} }
func (t *memTx) Executions() ExecutionRepo   { return memExecutionRepo{m: t.m, inTx: true} }
func (t *memTx) Usage() UsageRepo            { return memUsageRepo{m: t.m, inTx: true} }
func (t *memTx) Budgets() BudgetRepo         { return memBudgetRepo{m: t.m, inTx: true} }
func (t *memTx) Credentials() CredentialRepo { return memCredentialRepo{m: t.m, inTx: true} }

func (t *memTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.m.d = t.snapshot
	t.m.mu.Unlock()
	return nil
}

func pageSlice[T any](items []*T, limit, offset int) []*T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// agents

type memAgentRepo struct {
	m    *Memory
	inTx bool
}

func (r memAgentRepo) Create(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	for _, cur := range d.agents {
		if cur.Name == a.Name && cur.AgentVersion == a.AgentVersion {
			return nil, ErrIntegrityViolation
		}
	}
	cp := cloneJSON(a)
	cp.ID = d.newID()
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	d.agents[cp.ID] = cp
	return cloneJSON(cp), nil
}

func (r memAgentRepo) Get(ctx context.Context, id int64) (*models.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	a, ok := r.m.d.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(a), nil
}

func (r memAgentRepo) GetByNameVersion(ctx context.Context, name, version string) (*models.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	for _, a := range r.m.d.agents {
		if a.Name == name && a.AgentVersion == version {
			return cloneJSON(a), nil
		}
	}
	return nil, ErrNotFound
}

func (r memAgentRepo) Update(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	cur, ok := d.agents[a.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != a.Version {
		return nil, ErrConflict
	}
	next := cloneJSON(a)
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	next.Version = cur.Version + 1
	d.agents[a.ID] = next
	return cloneJSON(next), nil
}

func (r memAgentRepo) List(ctx context.Context, f AgentFilter) ([]*models.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()

	var out []*models.Agent
	for _, a := range r.m.d.agents {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.Name != "" && a.Name != f.Name {
			continue
		}
		out = append(out, cloneJSON(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return pageSlice(out, f.Limit, f.Offset), nil
}

// hirings

type memHiringRepo struct {
	m    *Memory
	inTx bool
}

func (r memHiringRepo) Create(ctx context.Context, h *models.Hiring) (*models.Hiring, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	if _, ok := d.agents[h.AgentID]; !ok {
		return nil, ErrIntegrityViolation
	}
	cp := cloneJSON(h)
	cp.ID = d.newID()
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	d.hirings[cp.ID] = cp
	return cloneJSON(cp), nil
}

func (r memHiringRepo) Get(ctx context.Context, id int64) (*models.Hiring, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	h, ok := r.m.d.hirings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(h), nil
}

func (r memHiringRepo) Update(ctx context.Context, h *models.Hiring) (*models.Hiring, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	cur, ok := d.hirings[h.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != h.Version {
		return nil, ErrConflict
	}
	next := cloneJSON(h)
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	next.Version = cur.Version + 1
	d.hirings[h.ID] = next
	return cloneJSON(next), nil
}

func (r memHiringRepo) List(ctx context.Context, f HiringFilter) ([]*models.Hiring, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()

	var out []*models.Hiring
	for _, h := range r.m.d.hirings {
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		if f.AgentID != 0 && h.AgentID != f.AgentID {
			continue
		}
		if f.UserID != 0 && (h.UserID == nil || *h.UserID != f.UserID) {
			continue
		}
		out = append(out, cloneJSON(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return pageSlice(out, f.Limit, f.Offset), nil
}

// deployments

type memDeploymentRepo struct {
	m    *Memory
	inTx bool
}

func (r memDeploymentRepo) Create(ctx context.Context, dep *models.Deployment) (*models.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	if _, ok := d.hirings[dep.HiringID]; !ok {
		return nil, ErrIntegrityViolation
	}
	if _, ok := d.agents[dep.AgentID]; !ok {
		return nil, ErrIntegrityViolation
	}
	if !dep.State.Terminal() {
		for _, cur := range d.deployments {
			if cur.HiringID == dep.HiringID && !cur.State.Terminal() {
				return nil, ErrIntegrityViolation
			}
		}
	}
	cp := cloneJSON(dep)
	cp.ID = d.newID()
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	d.deployments[cp.ID] = cp
	return cloneJSON(cp), nil
}

func (r memDeploymentRepo) Get(ctx context.Context, id int64) (*models.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	dep, ok := r.m.d.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(dep), nil
}

func (r memDeploymentRepo) Update(ctx context.Context, dep *models.Deployment) (*models.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	cur, ok := d.deployments[dep.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != dep.Version {
		return nil, ErrConflict
	}
	next := cloneJSON(dep)
	next.CreatedAt = cur.CreatedAt
	next.HiringID = cur.HiringID
	next.AgentID = cur.AgentID
	next.Kind = cur.Kind
	next.UpdatedAt = time.Now().UTC()
	next.Version = cur.Version + 1
	d.deployments[dep.ID] = next
	return cloneJSON(next), nil
}

func (r memDeploymentRepo) List(ctx context.Context, f DeploymentFilter) ([]*models.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()

	var out []*models.Deployment
	for _, dep := range r.m.d.deployments {
		if f.HiringID != 0 && dep.HiringID != f.HiringID {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, dep.State) {
			continue
		}
		if f.Kind != "" && dep.Kind != f.Kind {
			continue
		}
		out = append(out, cloneJSON(dep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return pageSlice(out, f.Limit, f.Offset), nil
}

func (r memDeploymentRepo) GetLiveByHiring(ctx context.Context, hiringID int64) (*models.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	for _, dep := range r.m.d.deployments {
		if dep.HiringID == hiringID && !dep.State.Terminal() {
			return cloneJSON(dep), nil
		}
	}
	return nil, ErrNotFound
}

func containsState(states []models.DeploymentState, s models.DeploymentState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// executions

type memExecutionRepo struct {
	m    *Memory
	inTx bool
}

func (r memExecutionRepo) Create(ctx context.Context, e *models.Execution) (*models.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	for _, cur := range d.executions {
		if cur.ExecID == e.ExecID {
			return nil, ErrIntegrityViolation
		}
	}
	if _, ok := d.agents[e.AgentID]; !ok {
		return nil, ErrIntegrityViolation
	}
	if e.HiringID != nil {
		if _, ok := d.hirings[*e.HiringID]; !ok {
			return nil, ErrIntegrityViolation
		}
	}
	cp := cloneJSON(e)
	cp.ID = d.newID()
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	d.executions[cp.ID] = cp
	return cloneJSON(cp), nil
}

func (r memExecutionRepo) Get(ctx context.Context, id int64) (*models.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	e, ok := r.m.d.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(e), nil
}

func (r memExecutionRepo) GetByExecID(ctx context.Context, execID string) (*models.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	for _, e := range r.m.d.executions {
		if e.ExecID == execID {
			return cloneJSON(e), nil
		}
	}
	return nil, ErrNotFound
}

func (r memExecutionRepo) Update(ctx context.Context, e *models.Execution) (*models.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	cur, ok := d.executions[e.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != e.Version {
		return nil, ErrConflict
	}
	// Identity and input are immutable after creation, matching the SQL
	// update statement.
	next := cloneJSON(e)
	next.CreatedAt = cur.CreatedAt
	next.ExecID = cur.ExecID
	next.AgentID = cur.AgentID
	next.HiringID = cur.HiringID
	next.UserID = cur.UserID
	next.Operation = cur.Operation
	next.Input = cur.Input
	next.UpdatedAt = time.Now().UTC()
	next.Version = cur.Version + 1
	d.executions[e.ID] = next
	return cloneJSON(next), nil
}

func (r memExecutionRepo) List(ctx context.Context, f ExecutionFilter) ([]*models.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()

	var out []*models.Execution
	for _, e := range r.m.d.executions {
		if f.HiringID != 0 && (e.HiringID == nil || *e.HiringID != f.HiringID) {
			continue
		}
		if f.AgentID != 0 && e.AgentID != f.AgentID {
			continue
		}
		if len(f.States) > 0 && !containsExecState(f.States, e.State) {
			continue
		}
		if !f.RunningBefore.IsZero() {
			if e.State != models.ExecutionStateRunning {
				continue
			}
			last := e.CreatedAt
			if e.StartedAt != nil {
				last = *e.StartedAt
			}
			if e.HeartbeatAt != nil {
				last = *e.HeartbeatAt
			}
			if !last.Before(f.RunningBefore) {
				continue
			}
		}
		out = append(out, cloneJSON(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return pageSlice(out, f.Limit, f.Offset), nil
}

func (r memExecutionRepo) CountActiveByHiring(ctx context.Context, hiringID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer r.m.enter(r.inTx)()
	n := 0
	for _, e := range r.m.d.executions {
		if e.HiringID == nil || *e.HiringID != hiringID {
			continue
		}
		if e.State == models.ExecutionStatePending || e.State == models.ExecutionStateRunning {
			n++
		}
	}
	return n, nil
}

func containsExecState(states []models.ExecutionState, s models.ExecutionState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// usage rows

type memUsageRepo struct {
	m    *Memory
	inTx bool
}

func (r memUsageRepo) Append(ctx context.Context, row *models.UsageRow) (*models.UsageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	if _, ok := d.executions[row.ExecutionID]; !ok {
		return nil, ErrIntegrityViolation
	}
	if row.Cost.IsNegative() {
		return nil, ErrIntegrityViolation
	}
	cp := cloneJSON(row)
	cp.ID = d.newID()
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	d.usage[cp.ID] = cp
	return cloneJSON(cp), nil
}

func (r memUsageRepo) ListByExecution(ctx context.Context, executionID int64) ([]*models.UsageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()

	var out []*models.UsageRow
	for _, row := range r.m.d.usage {
		if row.ExecutionID == executionID {
			out = append(out, cloneJSON(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memUsageRepo) SumByExecution(ctx context.Context, executionID int64) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	defer r.m.enter(r.inTx)()

	total := decimal.Zero
	for _, row := range r.m.d.usage {
		if row.ExecutionID == executionID {
			total = total.Add(row.Cost)
		}
	}
	return total, nil
}

// budgets

type memBudgetRepo struct {
	m    *Memory
	inTx bool
}

func (r memBudgetRepo) Create(ctx context.Context, b *models.UserBudget) (*models.UserBudget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	for _, cur := range d.budgets {
		if cur.UserID == b.UserID {
			return nil, ErrIntegrityViolation
		}
	}
	cp := cloneJSON(b)
	cp.ID = d.newID()
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	d.budgets[cp.ID] = cp
	return cloneJSON(cp), nil
}

func (r memBudgetRepo) GetByUser(ctx context.Context, userID int64) (*models.UserBudget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	for _, b := range r.m.d.budgets {
		if b.UserID == userID {
			return cloneJSON(b), nil
		}
	}
	return nil, ErrNotFound
}

func (r memBudgetRepo) Update(ctx context.Context, b *models.UserBudget) (*models.UserBudget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	cur, ok := d.budgets[b.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != b.Version {
		return nil, ErrConflict
	}
	next := cloneJSON(b)
	next.CreatedAt = cur.CreatedAt
	next.UserID = cur.UserID
	next.UpdatedAt = time.Now().UTC()
	next.Version = cur.Version + 1
	d.budgets[b.ID] = next
	return cloneJSON(next), nil
}

func (r memBudgetRepo) List(ctx context.Context, limit, offset int) ([]*models.UserBudget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()

	var out []*models.UserBudget
	for _, b := range r.m.d.budgets {
		out = append(out, cloneJSON(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return pageSlice(out, limit, offset), nil
}

// credentials

type memCredentialRepo struct {
	m    *Memory
	inTx bool
}

func (r memCredentialRepo) Put(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	d := &r.m.d

	now := time.Now().UTC()
	for _, cur := range d.credentials {
		if cur.UserID == c.UserID && cur.Provider == c.Provider {
			next := cloneCredential(c)
			next.ID = cur.ID
			next.CreatedAt = cur.CreatedAt
			next.UpdatedAt = now
			next.Version = cur.Version + 1
			d.credentials[cur.ID] = next
			return cloneCredential(next), nil
		}
	}
	cp := cloneCredential(c)
	cp.ID = d.newID()
	cp.CreatedAt, cp.UpdatedAt, cp.Version = now, now, 1
	d.credentials[cp.ID] = cp
	return cloneCredential(cp), nil
}

func (r memCredentialRepo) GetByUserProvider(ctx context.Context, userID int64, provider string) (*models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer r.m.enter(r.inTx)()
	for _, c := range r.m.d.credentials {
		if c.UserID == userID && c.Provider == provider {
			return cloneCredential(c), nil
		}
	}
	return nil, ErrNotFound
}

func (r memCredentialRepo) Delete(ctx context.Context, userID int64, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer r.m.enter(r.inTx)()
	for id, c := range r.m.d.credentials {
		if c.UserID == userID && c.Provider == provider {
			delete(r.m.d.credentials, id)
			return nil
		}
	}
	return ErrNotFound
}
