package repository

import (
	"context"
	"time"

	"github.com/stackpilot/stackpilot/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID, status string) error
	// MergeProjectMetadata merges the given keys into the project metadata
	// without disturbing sibling keys written by concurrent jobs.
	MergeProjectMetadata(ctx context.Context, projectID string, metadata map[string]any) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	// UpdateDeploymentStatus applies the update unless the row already
	// reached a terminal status; terminal rows are immutable.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	MergeDeploymentMetadata(ctx context.Context, deploymentID string, metadata map[string]any) error
	DeleteDeploymentsFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookRepository stores subscriptions and per-attempt delivery logs.
type WebhookRepository interface {
	GetSubscriptionByID(ctx context.Context, subscriptionID string) (*domain.WebhookSubscription, error)
	ListSubscriptionsForEvent(ctx context.Context, organizationID, event string) ([]domain.WebhookSubscription, error)
	RecordDeliveryAttempt(ctx context.Context, attempt *domain.WebhookDeliveryAttempt) error
}

// ActivityRepository appends and expires audit records.
type ActivityRepository interface {
	InsertActivityEntry(ctx context.Context, entry *domain.ActivityEntry) error
	DeleteActivityEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionRepository expires stale sessions created by the auth service.
type SessionRepository interface {
	DeleteSessionsExpiredBefore(ctx context.Context, now time.Time) (int64, error)
}
