// Package cleanup runs retention sweeps over terminal deployments, activity
// entries and expired sessions.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/stackpilot/stackpilot/internal/domain"
	"github.com/stackpilot/stackpilot/internal/queue"
	"github.com/stackpilot/stackpilot/internal/repository"
)

// Cleanup target types accepted in CleanupJob.Type.
const (
	TypeDeployments = "deployments"
	TypeLogs        = "logs"
	TypeSessions    = "sessions"
)

const defaultRetentionDays = 30

// Service executes retention sweeps. Registered at concurrency 1 so sweeps
// never overlap.
type Service struct {
	deployments repository.DeploymentRepository
	activity    repository.ActivityRepository
	sessions    repository.SessionRepository
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs the cleanup service.
func New(
	deployments repository.DeploymentRepository,
	activity repository.ActivityRepository,
	sessions repository.SessionRepository,
	logger *slog.Logger,
) *Service {
	return &Service{
		deployments: deployments,
		activity:    activity,
		sessions:    sessions,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HandleCleanupJob is the dispatcher handler for cleanup.run jobs.
func (s *Service) HandleCleanupJob(ctx context.Context, payload json.RawMessage) error {
	var job domain.CleanupJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return queue.Fatal(fmt.Errorf("decode cleanup job: %w", err))
	}
	days := job.OlderThanDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	now := s.now()
	cutoff := now.AddDate(0, 0, -days)

	var (
		deleted int64
		err     error
	)
	switch job.Type {
	case TypeDeployments:
		deleted, err = s.deployments.DeleteDeploymentsFinishedBefore(ctx, cutoff)
	case TypeLogs:
		deleted, err = s.activity.DeleteActivityEntriesBefore(ctx, cutoff)
	case TypeSessions:
		// sessions expire on their own clock, retention days do not apply
		deleted, err = s.sessions.DeleteSessionsExpiredBefore(ctx, now)
	default:
		return queue.Fatal(fmt.Errorf("unknown cleanup type %q", job.Type))
	}
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", job.Type, err)
	}
	s.logger.Info("cleanup finished", "type", job.Type, "deleted", deleted, "cutoff", cutoff)
	return nil
}
