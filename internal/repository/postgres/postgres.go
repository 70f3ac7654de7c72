package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackpilot/stackpilot/internal/domain"
	"github.com/stackpilot/stackpilot/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
	_ repository.ActivityRepository   = (*Repository)(nil)
	_ repository.SessionRepository    = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, organization_id, slug, name, repository_url, branch, build_command, start_command, environment_variables, metadata, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`
	envVars, err := json.Marshal(orEmptyStringMap(project.EnvironmentVariables))
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(orEmptyAnyMap(project.Metadata))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query,
		project.ID,
		project.OrganizationID,
		project.Slug,
		project.Name,
		project.RepositoryURL,
		project.Branch,
		project.BuildCommand,
		project.StartCommand,
		envVars,
		metadata,
		project.Status,
		project.CreatedAt,
	)
	return translateError(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, organization_id, slug, name, repository_url, branch, build_command, start_command, environment_variables, metadata, status, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var (
		project  domain.Project
		envVars  []byte
		metadata []byte
	)
	if err := row.Scan(
		&project.ID,
		&project.OrganizationID,
		&project.Slug,
		&project.Name,
		&project.RepositoryURL,
		&project.Branch,
		&project.BuildCommand,
		&project.StartCommand,
		&envVars,
		&metadata,
		&project.Status,
		&project.CreatedAt,
		&project.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &project.EnvironmentVariables); err != nil {
			return nil, fmt.Errorf("decode environment variables: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &project.Metadata); err != nil {
			return nil, fmt.Errorf("decode project metadata: %w", err)
		}
	}
	return &project, nil
}

// UpdateProjectStatus sets the project lifecycle status.
func (r *Repository) UpdateProjectStatus(ctx context.Context, projectID, status string) error {
	const query = `UPDATE projects SET status = $2, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, projectID, status)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MergeProjectMetadata merges keys into project metadata. Existing sibling
// keys are preserved; supplied keys win on conflict.
func (r *Repository) MergeProjectMetadata(ctx context.Context, projectID string, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	const query = `UPDATE projects
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, projectID, payload)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, organization_id, status, progress, stage, error, url, metadata, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.OrganizationID,
		deployment.Status,
		deployment.Progress,
		deployment.Stage,
		deployment.Error,
		deployment.URL,
		bytesToNil(deployment.Metadata),
		deployment.StartedAt,
		deployment.FinishedAt,
		deployment.UpdatedAt,
	)
	return translateError(err)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, organization_id, status, progress, stage, error, url, metadata, started_at, finished_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var (
		d          domain.Deployment
		finishedAt sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.OrganizationID, &d.Status, &d.Progress, &d.Stage, &d.Error, &d.URL, &d.Metadata, &d.StartedAt, &finishedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if finishedAt.Valid {
		value := finishedAt.Time
		d.FinishedAt = &value
	}
	return &d, nil
}

// UpdateDeploymentStatus updates a deployment unless it already reached a
// terminal status; terminal rows stay as recorded.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			progress = GREATEST(progress, $3),
			stage = COALESCE($4, stage),
			error = COALESCE($5, error),
			url = COALESCE($6, url),
			finished_at = COALESCE($7, finished_at),
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failed')`
	_, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(update.Status),
		update.Progress,
		emptyToNil(update.Stage),
		emptyToNil(update.Error),
		emptyToNil(update.URL),
		update.FinishedAt,
	)
	return translateError(err)
}

// MergeDeploymentMetadata merges keys into deployment metadata.
func (r *Repository) MergeDeploymentMetadata(ctx context.Context, deploymentID string, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	const query = `UPDATE deployments
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, deploymentID, payload)
	if err != nil {
		return translateError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteDeploymentsFinishedBefore removes terminal deployments older than the
// retention cutoff and reports how many rows were deleted.
func (r *Repository) DeleteDeploymentsFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM deployments
		WHERE status IN ('success', 'failed') AND finished_at < $1`
	cmdTag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, translateError(err)
	}
	return cmdTag.RowsAffected(), nil
}

// GetSubscriptionByID loads a webhook subscription.
func (r *Repository) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*domain.WebhookSubscription, error) {
	const query = `SELECT id, organization_id, url, secret, event_types, created_at
		FROM webhook_subscriptions WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, subscriptionID)
	var sub domain.WebhookSubscription
	if err := row.Scan(&sub.ID, &sub.OrganizationID, &sub.URL, &sub.Secret, &sub.EventTypes, &sub.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptionsForEvent returns subscriptions listening for the event.
func (r *Repository) ListSubscriptionsForEvent(ctx context.Context, organizationID, event string) ([]domain.WebhookSubscription, error) {
	const query = `SELECT id, organization_id, url, secret, event_types, created_at
		FROM webhook_subscriptions
		WHERE organization_id = $1 AND ($2 = ANY(event_types) OR '*' = ANY(event_types))
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, organizationID, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]domain.WebhookSubscription, 0)
	for rows.Next() {
		var sub domain.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.OrganizationID, &sub.URL, &sub.Secret, &sub.EventTypes, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// RecordDeliveryAttempt persists one webhook delivery try.
func (r *Repository) RecordDeliveryAttempt(ctx context.Context, attempt *domain.WebhookDeliveryAttempt) error {
	const query = `INSERT INTO webhook_delivery_attempts (id, subscription_id, event, payload, http_status, success, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		attempt.ID,
		attempt.SubscriptionID,
		attempt.Event,
		bytesToNil(attempt.Payload),
		attempt.HTTPStatus,
		attempt.Success,
		attempt.Error,
		attempt.AttemptedAt,
	)
	return translateError(err)
}

// InsertActivityEntry appends an audit record.
func (r *Repository) InsertActivityEntry(ctx context.Context, entry *domain.ActivityEntry) error {
	const query = `INSERT INTO activity_entries (id, action, entity_type, entity_id, organization_id, actor_id, metadata, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING created_at`
	var createdAt time.Time
	if err := r.pool.QueryRow(ctx, query,
		entry.ID,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.OrganizationID,
		stringPtrToNil(entry.ActorID),
		bytesToNil(entry.Metadata),
		stringPtrToNil(entry.IPAddress),
		stringPtrToNil(entry.UserAgent),
		entry.CreatedAt,
	).Scan(&createdAt); err != nil {
		return translateError(err)
	}
	entry.CreatedAt = createdAt
	return nil
}

// DeleteActivityEntriesBefore removes audit records older than the cutoff.
func (r *Repository) DeleteActivityEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM activity_entries WHERE created_at < $1`
	cmdTag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, translateError(err)
	}
	return cmdTag.RowsAffected(), nil
}

// DeleteSessionsExpiredBefore removes sessions whose expiry already passed.
func (r *Repository) DeleteSessionsExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM sessions WHERE expires_at < $1`
	cmdTag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, translateError(err)
	}
	return cmdTag.RowsAffected(), nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
