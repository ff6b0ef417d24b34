// Package store provides the persistent state of the runtime: typed
// repositories per entity over PostgreSQL, explicit transactions, and an
// in-memory fake implementing the same contract for tests. Mutations return
// the post-mutation entity; concurrent writers are detected through the
// monotonic version column.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hirebay/hirebay/pkg/models"
)

// Store is the persistence contract. It is implemented by the PostgreSQL
// client and by the in-memory fake; both are exercised by the same test
// suite.
type Store interface {
	Repos

	// Begin opens an explicit transaction. The returned Tx exposes the same
	// repositories bound to the transaction.
	Begin(ctx context.Context) (Tx, error)

	// RunInTx runs fn inside a transaction, committing on nil and rolling
	// back on error or panic.
	RunInTx(ctx context.Context, fn func(Repos) error) error
}

// Tx is an open transaction over the repositories.
type Tx interface {
	Repos

	Commit() error
	Rollback() error
}

// Repos groups the typed repositories.
type Repos interface {
	Agents() AgentRepo
	Hirings() HiringRepo
	Deployments() DeploymentRepo
	Executions() ExecutionRepo
	Usage() UsageRepo
	Budgets() BudgetRepo
	Credentials() CredentialRepo
}

// AgentFilter narrows agent listings. Zero fields match everything.
type AgentFilter struct {
	Status models.AgentStatus
	Kind   models.AgentKind
	Name   string
	Limit  int
	Offset int
}

// AgentRepo persists agents.
type AgentRepo interface {
	Create(ctx context.Context, a *models.Agent) (*models.Agent, error)
	Get(ctx context.Context, id int64) (*models.Agent, error)
	GetByNameVersion(ctx context.Context, name, version string) (*models.Agent, error)
	Update(ctx context.Context, a *models.Agent) (*models.Agent, error)
	List(ctx context.Context, f AgentFilter) ([]*models.Agent, error)
}

// HiringFilter narrows hiring listings.
type HiringFilter struct {
	Status  models.HiringStatus
	AgentID int64
	UserID  int64
	Limit   int
	Offset  int
}

// HiringRepo persists hirings.
type HiringRepo interface {
	Create(ctx context.Context, h *models.Hiring) (*models.Hiring, error)
	Get(ctx context.Context, id int64) (*models.Hiring, error)
	Update(ctx context.Context, h *models.Hiring) (*models.Hiring, error)
	List(ctx context.Context, f HiringFilter) ([]*models.Hiring, error)
}

// DeploymentFilter narrows deployment listings.
type DeploymentFilter struct {
	HiringID int64
	States   []models.DeploymentState
	Kind     models.AgentKind
	Limit    int
	Offset   int
}

// DeploymentRepo persists deployments.
type DeploymentRepo interface {
	Create(ctx context.Context, d *models.Deployment) (*models.Deployment, error)
	Get(ctx context.Context, id int64) (*models.Deployment, error)
	Update(ctx context.Context, d *models.Deployment) (*models.Deployment, error)
	List(ctx context.Context, f DeploymentFilter) ([]*models.Deployment, error)

	// GetLiveByHiring returns the hiring's single non-terminal deployment.
	GetLiveByHiring(ctx context.Context, hiringID int64) (*models.Deployment, error)
}

// ExecutionFilter narrows execution listings.
type ExecutionFilter struct {
	HiringID int64
	AgentID  int64
	States   []models.ExecutionState
	// RunningBefore matches running executions whose heartbeat (or start)
	// is older than the given instant. Used by the stale reaper.
	RunningBefore time.Time
	Limit         int
	Offset        int
}

// ExecutionRepo persists executions.
type ExecutionRepo interface {
	Create(ctx context.Context, e *models.Execution) (*models.Execution, error)
	Get(ctx context.Context, id int64) (*models.Execution, error)
	GetByExecID(ctx context.Context, execID string) (*models.Execution, error)
	Update(ctx context.Context, e *models.Execution) (*models.Execution, error)
	List(ctx context.Context, f ExecutionFilter) ([]*models.Execution, error)

	// CountActiveByHiring counts pending and running executions of a hiring.
	CountActiveByHiring(ctx context.Context, hiringID int64) (int, error)
}

// UsageRepo appends and reads usage rows. Rows are append-only.
type UsageRepo interface {
	Append(ctx context.Context, row *models.UsageRow) (*models.UsageRow, error)
	ListByExecution(ctx context.Context, executionID int64) ([]*models.UsageRow, error)
	SumByExecution(ctx context.Context, executionID int64) (decimal.Decimal, error)
}

// BudgetRepo persists user budgets.
type BudgetRepo interface {
	Create(ctx context.Context, b *models.UserBudget) (*models.UserBudget, error)
	GetByUser(ctx context.Context, userID int64) (*models.UserBudget, error)
	Update(ctx context.Context, b *models.UserBudget) (*models.UserBudget, error)
	List(ctx context.Context, limit, offset int) ([]*models.UserBudget, error)
}

// CredentialRepo persists sealed provider credentials.
type CredentialRepo interface {
	Put(ctx context.Context, c *models.Credential) (*models.Credential, error)
	GetByUserProvider(ctx context.Context, userID int64, provider string) (*models.Credential, error)
	Delete(ctx context.Context, userID int64, provider string) error
}
