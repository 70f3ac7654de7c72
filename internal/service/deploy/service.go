// Package deploy orchestrates deployment jobs end to end: provisioning on
// the hosting platform (or simulating a pipeline when none is configured),
// tracking progress, and recording terminal outcomes.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/internal/domain"
	"github.com/stackpilot/stackpilot/internal/platform"
	"github.com/stackpilot/stackpilot/internal/queue"
	"github.com/stackpilot/stackpilot/internal/repository"
)

// Enqueuer hands follow-up jobs to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

// Broadcaster pushes live progress events to connected clients.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// ActivityWriter appends audit records.
type ActivityWriter interface {
	Record(ctx context.Context, action, entityType, entityID, organizationID string, metadata map[string]any) error
}

// SecretDecrypter recovers webhook signing secrets stored encrypted.
type SecretDecrypter interface {
	Decrypt(payload []byte) (string, error)
}

// Config tunes orchestration behavior.
type Config struct {
	// Domain is the suffix for simulated deployment URLs.
	Domain string
	// PollInterval and PollTimeout bound the platform status poll loop.
	PollInterval time.Duration
	PollTimeout  time.Duration
	// StageDelay paces the simulated pipeline between stages.
	StageDelay time.Duration
}

// Service runs deployment jobs.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	webhooks    repository.WebhookRepository
	activity    ActivityWriter
	enqueuer    Enqueuer
	hub         Broadcaster
	secrets     SecretDecrypter
	logger      *slog.Logger
	runner      runner
}

// New constructs the orchestrator. When client is nil or a
// *platform.NullClient the simulated pipeline is used; the choice is made
// once here, not per job.
func New(
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	webhooks repository.WebhookRepository,
	activity ActivityWriter,
	enqueuer Enqueuer,
	hub Broadcaster,
	secrets SecretDecrypter,
	client platform.Client,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Minute
	}
	if cfg.Domain == "" {
		cfg.Domain = "example.domain"
	}
	svc := &Service{
		projects:    projects,
		deployments: deployments,
		webhooks:    webhooks,
		activity:    activity,
		enqueuer:    enqueuer,
		hub:         hub,
		secrets:     secrets,
		logger:      logger,
	}
	if _, isNull := client.(*platform.NullClient); client == nil || isNull {
		svc.runner = &simulatedRunner{svc: svc, domain: cfg.Domain, stageDelay: cfg.StageDelay}
	} else {
		svc.runner = &platformRunner{
			svc:          svc,
			client:       client,
			pollInterval: cfg.PollInterval,
			pollTimeout:  cfg.PollTimeout,
		}
	}
	return svc
}

// Trigger records a queued deployment and schedules the job that runs it.
func (s *Service) Trigger(ctx context.Context, project *domain.Project, branch, commitSHA string) (*domain.Deployment, error) {
	if branch == "" {
		branch = project.Branch
	}
	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:             uuid.NewString(),
		ProjectID:      project.ID,
		OrganizationID: project.OrganizationID,
		Status:         domain.DeploymentStatusQueued,
		Stage:          "queued",
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	job := domain.DeployProjectJob{
		ProjectID:      project.ID,
		DeploymentID:   deployment.ID,
		OrganizationID: project.OrganizationID,
		Branch:         branch,
		CommitSHA:      commitSHA,
	}
	if _, err := s.enqueuer.Enqueue(ctx, domain.JobTypeDeploy, job); err != nil {
		return nil, fmt.Errorf("enqueue deploy job: %w", err)
	}
	return deployment, nil
}

// HandleDeployJob is the dispatcher handler for deploy.project jobs.
func (s *Service) HandleDeployJob(ctx context.Context, payload json.RawMessage) error {
	var job domain.DeployProjectJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return queue.Fatal(fmt.Errorf("decode deploy job: %w", err))
	}
	log := s.logger.With("deployment_id", job.DeploymentID, "project_id", job.ProjectID)

	deployment, err := s.deployments.GetDeploymentByID(ctx, job.DeploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return queue.Fatal(fmt.Errorf("deployment %s: %w", job.DeploymentID, err))
		}
		return fmt.Errorf("load deployment: %w", err)
	}
	// duplicate delivery: the recorded outcome stands
	if deployment.Terminal() {
		log.Info("deployment already terminal, skipping", "status", deployment.Status)
		return nil
	}

	s.progress(ctx, job, domain.DeploymentStatusInProgress, 5, "preparing", "")

	project, err := s.projects.GetProjectByID(ctx, job.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			missing := errors.New("project not found")
			s.finishFailed(ctx, job, missing)
			return queue.Fatal(missing)
		}
		return fmt.Errorf("load project: %w", err)
	}

	log.Info("deployment started", "branch", job.Branch, "commit", job.CommitSHA)
	url, err := s.runner.deploy(ctx, project, job)
	if err != nil {
		log.Error("deployment failed", "error", err)
		s.finishFailed(ctx, job, err)
		return err
	}
	if err := s.finishSucceeded(ctx, project, job, url); err != nil {
		return err
	}
	log.Info("deployment succeeded", "url", url)
	return nil
}

// HandleDeadLetter marks the deployment failed when its job is parked for
// good after exhausting retries. Wired as the dispatcher's dead-letter
// callback.
func (s *Service) HandleDeadLetter(job *queue.Job, cause error) {
	var payload domain.DeployProjectJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		s.logger.Error("dead-lettered deploy job undecodable", "job_id", job.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	deployment, err := s.deployments.GetDeploymentByID(ctx, payload.DeploymentID)
	if err != nil || deployment.Terminal() {
		return
	}
	s.finishFailed(ctx, payload, cause)
}

// progress persists and broadcasts a non-terminal status update. Failures
// here are logged, not fatal; progress is best effort.
func (s *Service) progress(ctx context.Context, job domain.DeployProjectJob, status string, pct int, stage, url string) {
	update := domain.DeploymentStatusUpdate{
		DeploymentID: job.DeploymentID,
		Status:       status,
		Progress:     pct,
		Stage:        stage,
		URL:          url,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("progress update failed", "deployment_id", job.DeploymentID, "stage", stage, "error", err)
	}
	s.broadcast(job.ProjectID, update)
}

func (s *Service) broadcast(projectID string, update domain.DeploymentStatusUpdate) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(projectID, update)
}

func (s *Service) finishSucceeded(ctx context.Context, project *domain.Project, job domain.DeployProjectJob, url string) error {
	now := time.Now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: job.DeploymentID,
		Status:       domain.DeploymentStatusSuccess,
		Progress:     100,
		Stage:        "live",
		URL:          url,
		FinishedAt:   &now,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return fmt.Errorf("record deployment success: %w", err)
	}
	s.broadcast(job.ProjectID, update)

	if err := s.projects.UpdateProjectStatus(ctx, job.ProjectID, domain.ProjectStatusActive); err != nil {
		s.logger.Error("project activation failed", "project_id", job.ProjectID, "error", err)
	}
	if err := s.projects.MergeProjectMetadata(ctx, job.ProjectID, map[string]any{
		domain.MetadataKeyLastDeploymentID: job.DeploymentID,
	}); err != nil {
		s.logger.Error("project metadata merge failed", "project_id", job.ProjectID, "error", err)
	}

	s.audit(ctx, domain.ActionDeploymentSuccess, job, map[string]any{
		"branch": job.Branch,
		"commit": job.CommitSHA,
		"url":    url,
	})
	s.fanOutWebhooks(ctx, project, job, domain.ActionDeploymentSuccess, map[string]any{
		"deployment_id": job.DeploymentID,
		"project_id":    job.ProjectID,
		"status":        domain.DeploymentStatusSuccess,
		"url":           url,
		"branch":        job.Branch,
		"commit":        job.CommitSHA,
	})
	return nil
}

func (s *Service) finishFailed(ctx context.Context, job domain.DeployProjectJob, cause error) {
	now := time.Now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: job.DeploymentID,
		Status:       domain.DeploymentStatusFailed,
		Stage:        "failed",
		Error:        cause.Error(),
		FinishedAt:   &now,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Error("record deployment failure failed", "deployment_id", job.DeploymentID, "error", err)
	}
	s.broadcast(job.ProjectID, update)
	s.audit(ctx, domain.ActionDeploymentFailed, job, map[string]any{
		"branch": job.Branch,
		"commit": job.CommitSHA,
		"error":  cause.Error(),
	})
}

// audit writes the activity entry before the handler returns. A failed audit
// write is logged; the deployment outcome already stands.
func (s *Service) audit(ctx context.Context, action string, job domain.DeployProjectJob, metadata map[string]any) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(ctx, action, "deployment", job.DeploymentID, job.OrganizationID, metadata); err != nil {
		s.logger.Error("activity write failed", "action", action, "deployment_id", job.DeploymentID, "error", err)
	}
}

// fanOutWebhooks enqueues one delivery job per subscription listening for
// the event. Secrets leave storage decrypted so the delivery worker signs
// without a second lookup.
func (s *Service) fanOutWebhooks(ctx context.Context, project *domain.Project, job domain.DeployProjectJob, event string, body map[string]any) {
	if s.webhooks == nil || s.enqueuer == nil {
		return
	}
	subscriptions, err := s.webhooks.ListSubscriptionsForEvent(ctx, project.OrganizationID, event)
	if err != nil {
		s.logger.Error("webhook subscription lookup failed", "organization_id", project.OrganizationID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("webhook payload encode failed", "event", event, "error", err)
		return
	}
	for _, sub := range subscriptions {
		secret := ""
		if s.secrets != nil && len(sub.Secret) > 0 {
			plain, err := s.secrets.Decrypt(sub.Secret)
			if err != nil {
				s.logger.Error("webhook secret decrypt failed", "subscription_id", sub.ID, "error", err)
				continue
			}
			secret = plain
		}
		webhookJob := domain.ProcessWebhookJob{
			SubscriptionID: sub.ID,
			URL:            sub.URL,
			Secret:         secret,
			Event:          event,
			Payload:        payload,
		}
		if _, err := s.enqueuer.Enqueue(ctx, domain.JobTypeWebhook, webhookJob); err != nil {
			s.logger.Error("webhook job enqueue failed", "subscription_id", sub.ID, "error", err)
		}
	}
}

type runner interface {
	deploy(ctx context.Context, project *domain.Project, job domain.DeployProjectJob) (string, error)
}

// simulatedRunner walks a deterministic staged pipeline without touching any
// remote system. Used when no platform is configured.
type simulatedRunner struct {
	svc        *Service
	domain     string
	stageDelay time.Duration
}

var simulatedStages = []struct {
	name     string
	progress int
}{
	{"clone", 10},
	{"build", 40},
	{"release", 70},
	{"health_check", 90},
}

func (r *simulatedRunner) deploy(ctx context.Context, project *domain.Project, job domain.DeployProjectJob) (string, error) {
	for _, stage := range simulatedStages {
		if err := sleepCtx(ctx, r.stageDelay); err != nil {
			return "", err
		}
		r.svc.progress(ctx, job, domain.DeploymentStatusInProgress, stage.progress, stage.name, "")
	}
	return fmt.Sprintf("https://%s.%s", slugHost(project.Slug), r.domain), nil
}

// slugHost lowercases the slug so the synthetic URL is a valid hostname.
func slugHost(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// platformRunner provisions and deploys through the hosting platform API,
// polling until the remote deployment settles.
type platformRunner struct {
	svc          *Service
	client       platform.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func (r *platformRunner) deploy(ctx context.Context, project *domain.Project, job domain.DeployProjectJob) (string, error) {
	applicationID := project.ExternalApplicationID()
	if applicationID != "" {
		if err := r.client.UpdateEnvironmentVariables(ctx, applicationID, project.EnvironmentVariables); err != nil {
			return "", fmt.Errorf("update environment: %w", err)
		}
	} else {
		app, err := r.client.CreateApplication(ctx, platform.ApplicationSpec{
			Name:                 project.Slug,
			RepositoryURL:        project.RepositoryURL,
			Branch:               project.Branch,
			BuildCommand:         project.BuildCommand,
			StartCommand:         project.StartCommand,
			EnvironmentVariables: project.EnvironmentVariables,
		})
		if err != nil {
			return "", fmt.Errorf("create application: %w", err)
		}
		applicationID = app.ID
		if err := r.svc.projects.MergeProjectMetadata(ctx, project.ID, map[string]any{
			domain.MetadataKeyExternalApplicationID: applicationID,
		}); err != nil {
			return "", fmt.Errorf("record application id: %w", err)
		}
	}

	branch := job.Branch
	if branch == "" {
		branch = project.Branch
	}
	result, err := r.client.DeployApplication(ctx, applicationID, platform.DeployOptions{
		Branch:    branch,
		CommitSHA: job.CommitSHA,
	})
	if err != nil {
		return "", fmt.Errorf("trigger deployment: %w", err)
	}

	status, err := r.poll(ctx, job, result.DeploymentID)
	if err != nil {
		return "", err
	}
	if status.Status != platform.DeploymentStatusSuccess {
		r.attachLogs(ctx, job.DeploymentID, result.DeploymentID)
		return "", fmt.Errorf("platform deployment %s ended %s", result.DeploymentID, status.Status)
	}

	app, err := r.client.GetApplication(ctx, applicationID)
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	return "https://" + app.Hostname, nil
}

// poll watches the remote deployment until it reaches a terminal status or
// the timeout elapses. On timeout the remote deployment is cancelled best
// effort before the failure is reported.
func (r *platformRunner) poll(ctx context.Context, job domain.DeployProjectJob, platformDeploymentID string) (*platform.DeploymentStatus, error) {
	start := time.Now()
	deadline := start.Add(r.pollTimeout)
	r.svc.progress(ctx, job, domain.DeploymentStatusInProgress, 10, "deploying", "")
	for {
		status, err := r.client.GetDeployment(ctx, platformDeploymentID)
		if err != nil {
			return nil, fmt.Errorf("poll deployment: %w", err)
		}
		if status.Terminal() {
			return status, nil
		}
		if time.Now().After(deadline) {
			if cancelErr := r.client.CancelDeployment(ctx, platformDeploymentID); cancelErr != nil {
				r.svc.logger.Warn("cancel after poll timeout failed",
					"platform_deployment_id", platformDeploymentID, "error", cancelErr)
			}
			return nil, fmt.Errorf("platform deployment %s timed out after %s", platformDeploymentID, r.pollTimeout)
		}
		r.svc.progress(ctx, job, domain.DeploymentStatusInProgress, pollProgress(start, r.pollTimeout), mapStage(status.Status), "")
		if err := sleepCtx(ctx, r.pollInterval); err != nil {
			return nil, err
		}
	}
}

// attachLogs merges the tail of the remote build log into the deployment
// record. Log retrieval never fails the job.
func (r *platformRunner) attachLogs(ctx context.Context, deploymentID, platformDeploymentID string) {
	lines := r.client.GetDeploymentLogs(ctx, platformDeploymentID)
	if len(lines) == 0 {
		return
	}
	const tail = 50
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	if err := r.svc.deployments.MergeDeploymentMetadata(ctx, deploymentID, map[string]any{
		"platformLogs": lines,
	}); err != nil {
		r.svc.logger.Warn("deployment log attach failed", "deployment_id", deploymentID, "error", err)
	}
}

// pollProgress advances 10..95 proportionally to elapsed poll time.
func pollProgress(start time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		return 10
	}
	elapsed := time.Since(start)
	pct := 10 + int(85*float64(elapsed)/float64(timeout))
	if pct > 95 {
		pct = 95
	}
	return pct
}

func mapStage(platformStatus string) string {
	switch platformStatus {
	case platform.DeploymentStatusBuilding:
		return "build"
	case platform.DeploymentStatusDeploying:
		return "release"
	default:
		return "deploying"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
