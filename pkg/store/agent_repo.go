package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hirebay/hirebay/pkg/models"
)

const (
	agentInsertQuery = `
INSERT INTO agents (name, agent_version, kind, status, code_digest, bundle_path, manifest)
VALUES (:name, :agent_version, :kind, :status, :code_digest, :bundle_path, :manifest)
RETURNING *`

	agentUpdateQuery = `
UPDATE agents SET
	updated_at = now(),
	version = version + 1,
	name = :name,
	agent_version = :agent_version,
	kind = :kind,
	status = :status,
	code_digest = :code_digest,
	bundle_path = :bundle_path,
	manifest = :manifest
WHERE id = :id AND version = :version
RETURNING *`
)

type agentRepo struct {
	ext sqlx.ExtContext
}

func (r *agentRepo) Create(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	return scanOne[models.Agent](sqlx.NamedQueryContext(ctx, r.ext, agentInsertQuery, a))
}

func (r *agentRepo) Get(ctx context.Context, id int64) (*models.Agent, error) {
	query := r.ext.Rebind(`SELECT * FROM agents WHERE id = ?`)
	return scanOne[models.Agent](r.ext.QueryxContext(ctx, query, id))
}

func (r *agentRepo) GetByNameVersion(ctx context.Context, name, version string) (*models.Agent, error) {
	query := r.ext.Rebind(`SELECT * FROM agents WHERE name = ? AND agent_version = ?`)
	return scanOne[models.Agent](r.ext.QueryxContext(ctx, query, name, version))
}

func (r *agentRepo) Update(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	out, err := scanOne[models.Agent](sqlx.NamedQueryContext(ctx, r.ext, agentUpdateQuery, a))
	if errors.Is(err, ErrNotFound) {
		return nil, conflictOrMissing(ctx, r.ext, "agents", a.ID)
	}
	return out, err
}

func (r *agentRepo) List(ctx context.Context, f AgentFilter) ([]*models.Agent, error) {
	query := `SELECT * FROM agents`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where = append(where, `kind = ?`)
		args = append(args, f.Kind)
	}
	if f.Name != "" {
		where = append(where, `name = ?`)
		args = append(args, f.Name)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id`
	query, args = applyPage(query, args, f.Limit, f.Offset)
	return scanAll[models.Agent](r.ext.QueryxContext(ctx, r.ext.Rebind(query), args...))
}
