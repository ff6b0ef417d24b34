package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hirebay/hirebay/pkg/models"
)

const (
	deploymentInsertQuery = `
INSERT INTO deployments (hiring_id, agent_id, kind, state, container_id, image_tag,
	internal_endpoint, route_prefix, memory_bytes, cpu_quota, pids_limit,
	last_probe_at, last_probe_ok, restart_count, status_reason)
VALUES (:hiring_id, :agent_id, :kind, :state, :container_id, :image_tag,
	:internal_endpoint, :route_prefix, :memory_bytes, :cpu_quota, :pids_limit,
	:last_probe_at, :last_probe_ok, :restart_count, :status_reason)
RETURNING *`

	deploymentUpdateQuery = `
UPDATE deployments SET
	updated_at = now(),
	version = version + 1,
	state = :state,
	container_id = :container_id,
	image_tag = :image_tag,
	internal_endpoint = :internal_endpoint,
	route_prefix = :route_prefix,
	memory_bytes = :memory_bytes,
	cpu_quota = :cpu_quota,
	pids_limit = :pids_limit,
	last_probe_at = :last_probe_at,
	last_probe_ok = :last_probe_ok,
	restart_count = :restart_count,
	status_reason = :status_reason
WHERE id = :id AND version = :version
RETURNING *`
)

type deploymentRepo struct {
	ext sqlx.ExtContext
}

func (r *deploymentRepo) Create(ctx context.Context, d *models.Deployment) (*models.Deployment, error) {
	return scanOne[models.Deployment](sqlx.NamedQueryContext(ctx, r.ext, deploymentInsertQuery, d))
}

func (r *deploymentRepo) Get(ctx context.Context, id int64) (*models.Deployment, error) {
	query := r.ext.Rebind(`SELECT * FROM deployments WHERE id = ?`)
	return scanOne[models.Deployment](r.ext.QueryxContext(ctx, query, id))
}

func (r *deploymentRepo) Update(ctx context.Context, d *models.Deployment) (*models.Deployment, error) {
	out, err := scanOne[models.Deployment](sqlx.NamedQueryContext(ctx, r.ext, deploymentUpdateQuery, d))
	if errors.Is(err, ErrNotFound) {
		return nil, conflictOrMissing(ctx, r.ext, "deployments", d.ID)
	}
	return out, err
}

func (r *deploymentRepo) List(ctx context.Context, f DeploymentFilter) ([]*models.Deployment, error) {
	query := `SELECT * FROM deployments`
	var where []string
	var args []any
	if f.HiringID != 0 {
		where = append(where, `hiring_id = ?`)
		args = append(args, f.HiringID)
	}
	if len(f.States) > 0 {
		where = append(where, `state IN (?)`)
		args = append(args, f.States)
	}
	if f.Kind != "" {
		where = append(where, `kind = ?`)
		args = append(args, f.Kind)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id`
	query, args = applyPage(query, args, f.Limit, f.Offset)

	// Expand the IN clause before rebinding.
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	return scanAll[models.Deployment](r.ext.QueryxContext(ctx, r.ext.Rebind(expanded), expandedArgs...))
}

func (r *deploymentRepo) GetLiveByHiring(ctx context.Context, hiringID int64) (*models.Deployment, error) {
	// The partial unique index guarantees at most one live row per hiring.
	query := r.ext.Rebind(`SELECT * FROM deployments WHERE hiring_id = ? AND state NOT IN ('stopped', 'failed')`)
	return scanOne[models.Deployment](r.ext.QueryxContext(ctx, query, hiringID))
}
