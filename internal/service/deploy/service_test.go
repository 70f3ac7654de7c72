package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stackpilot/stackpilot/internal/domain"
	"github.com/stackpilot/stackpilot/internal/platform"
	"github.com/stackpilot/stackpilot/internal/queue"
	"github.com/stackpilot/stackpilot/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]*domain.Project
	statuses map[string]string
	merges   []map[string]any
}

func newFakeProjects(projects ...*domain.Project) *fakeProjects {
	f := &fakeProjects{projects: map[string]*domain.Project{}, statuses: map[string]string{}}
	for _, p := range projects {
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeProjects) CreateProject(_ context.Context, project *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[project.ID] = project
	return nil
}

func (f *fakeProjects) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return project, nil
}

func (f *fakeProjects) UpdateProjectStatus(_ context.Context, projectID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	f.statuses[projectID] = status
	return nil
}

func (f *fakeProjects) MergeProjectMetadata(_ context.Context, projectID string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	if project.Metadata == nil {
		project.Metadata = map[string]any{}
	}
	for key, value := range metadata {
		project.Metadata[key] = value
	}
	f.merges = append(f.merges, metadata)
	return nil
}

type fakeDeployments struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	updates     []domain.DeploymentStatusUpdate
	metaMerges  map[string][]map[string]any
}

func newFakeDeployments(deployments ...*domain.Deployment) *fakeDeployments {
	f := &fakeDeployments{
		deployments: map[string]*domain.Deployment{},
		metaMerges:  map[string][]map[string]any{},
	}
	for _, d := range deployments {
		f.deployments[d.ID] = d
	}
	return f
}

func (f *fakeDeployments) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployments[deployment.ID] = deployment
	return nil
}

func (f *fakeDeployments) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return deployment, nil
}

func (f *fakeDeployments) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[update.DeploymentID]
	if !ok {
		return nil
	}
	// terminal rows are immutable, matching the SQL guard
	if deployment.Terminal() {
		return nil
	}
	f.updates = append(f.updates, update)
	if update.Status != "" {
		deployment.Status = update.Status
	}
	if update.Progress > deployment.Progress {
		deployment.Progress = update.Progress
	}
	if update.Stage != "" {
		deployment.Stage = update.Stage
	}
	if update.Error != "" {
		deployment.Error = update.Error
	}
	if update.URL != "" {
		deployment.URL = update.URL
	}
	if update.FinishedAt != nil {
		deployment.FinishedAt = update.FinishedAt
	}
	return nil
}

func (f *fakeDeployments) MergeDeploymentMetadata(_ context.Context, deploymentID string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployments[deploymentID]; !ok {
		return repository.ErrNotFound
	}
	f.metaMerges[deploymentID] = append(f.metaMerges[deploymentID], metadata)
	return nil
}

func (f *fakeDeployments) DeleteDeploymentsFinishedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeWebhooks struct {
	subscriptions []domain.WebhookSubscription
}

func (f *fakeWebhooks) GetSubscriptionByID(_ context.Context, id string) (*domain.WebhookSubscription, error) {
	for i := range f.subscriptions {
		if f.subscriptions[i].ID == id {
			return &f.subscriptions[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeWebhooks) ListSubscriptionsForEvent(_ context.Context, organizationID, event string) ([]domain.WebhookSubscription, error) {
	var matched []domain.WebhookSubscription
	for _, sub := range f.subscriptions {
		if sub.OrganizationID == organizationID && sub.Subscribed(event) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func (f *fakeWebhooks) RecordDeliveryAttempt(context.Context, *domain.WebhookDeliveryAttempt) error {
	return nil
}

type recordedActivity struct {
	Action   string
	EntityID string
	Metadata map[string]any
}

type fakeActivity struct {
	mu      sync.Mutex
	entries []recordedActivity
}

func (f *fakeActivity) Record(_ context.Context, action, _, entityID, _ string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, recordedActivity{Action: action, EntityID: entityID, Metadata: metadata})
	return nil
}

type enqueuedJob struct {
	Type    string
	Payload any
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueuedJob{Type: jobType, Payload: payload})
	return "job-1", nil
}

type plainSecrets struct{}

func (plainSecrets) Decrypt(payload []byte) (string, error) { return string(payload), nil }

type fakeClient struct {
	mu sync.Mutex

	application *platform.Application
	created     []platform.ApplicationSpec
	envUpdates  []map[string]string
	deployed    []string
	cancelled   []string
	statuses    []platform.DeploymentStatus
	statusIdx   int
	logLines    []string
}

func (f *fakeClient) CreateApplication(_ context.Context, spec platform.ApplicationSpec) (*platform.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	if f.application == nil {
		f.application = &platform.Application{ID: "app-new", Hostname: spec.Name + ".apps.example.domain"}
	}
	return f.application, nil
}

func (f *fakeClient) DeployApplication(_ context.Context, applicationID string, _ platform.DeployOptions) (*platform.DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = append(f.deployed, applicationID)
	return &platform.DeployResult{DeploymentID: "pd-1", Status: platform.DeploymentStatusQueued}, nil
}

func (f *fakeClient) GetApplication(context.Context, string) (*platform.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.application == nil {
		return nil, &platform.APIError{Status: 404}
	}
	return f.application, nil
}

func (f *fakeClient) GetDeployment(context.Context, string) (*platform.DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return &platform.DeploymentStatus{Status: platform.DeploymentStatusBuilding}, nil
	}
	status := f.statuses[f.statusIdx]
	if f.statusIdx < len(f.statuses)-1 {
		f.statusIdx++
	}
	return &status, nil
}

func (f *fakeClient) GetDeploymentLogs(context.Context, string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logLines...)
}

func (f *fakeClient) UpdateEnvironmentVariables(_ context.Context, _ string, vars map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envUpdates = append(f.envUpdates, vars)
	return nil
}

func (f *fakeClient) DeleteApplication(context.Context, string) error { return nil }

func (f *fakeClient) CancelDeployment(_ context.Context, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, deploymentID)
	return nil
}

func deployPayload(t *testing.T, job domain.DeployProjectJob) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return payload
}

func newTestService(projects *fakeProjects, deployments *fakeDeployments, webhooks *fakeWebhooks, activity *fakeActivity, enqueuer *fakeEnqueuer, client platform.Client, cfg Config) *Service {
	return New(projects, deployments, webhooks, activity, enqueuer, nil, plainSecrets{}, client, cfg, testLogger())
}

func TestSimulatedDeploySucceeds(t *testing.T) {
	project := &domain.Project{ID: "p1", OrganizationID: "org1", Slug: "Acme-Web", Branch: "main"}
	deployment := &domain.Deployment{ID: "d1", ProjectID: "p1", OrganizationID: "org1", Status: domain.DeploymentStatusQueued}
	projects := newFakeProjects(project)
	deployments := newFakeDeployments(deployment)
	webhooks := &fakeWebhooks{subscriptions: []domain.WebhookSubscription{
		{ID: "sub1", OrganizationID: "org1", URL: "https://hooks.example/a", Secret: []byte("shh"), EventTypes: []string{"deployment.success"}},
		{ID: "sub2", OrganizationID: "org1", URL: "https://hooks.example/b", EventTypes: []string{"billing.invoice"}},
	}}
	activity := &fakeActivity{}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(projects, deployments, webhooks, activity, enqueuer, nil, Config{Domain: "example.domain"})

	job := domain.DeployProjectJob{ProjectID: "p1", DeploymentID: "d1", OrganizationID: "org1", Branch: "main", CommitSHA: "abc123"}
	if err := svc.HandleDeployJob(context.Background(), deployPayload(t, job)); err != nil {
		t.Fatalf("handle deploy job: %v", err)
	}

	if deployment.Status != domain.DeploymentStatusSuccess {
		t.Fatalf("deployment status = %q, want success", deployment.Status)
	}
	if deployment.URL != "https://acme-web.example.domain" {
		t.Fatalf("deployment url = %q", deployment.URL)
	}
	if deployment.Progress != 100 || deployment.FinishedAt == nil {
		t.Fatalf("terminal fields not set: progress=%d finished=%v", deployment.Progress, deployment.FinishedAt)
	}
	if projects.statuses["p1"] != domain.ProjectStatusActive {
		t.Fatalf("project status = %q, want active", projects.statuses["p1"])
	}
	if project.Metadata[domain.MetadataKeyLastDeploymentID] != "d1" {
		t.Fatalf("lastDeploymentId not merged: %v", project.Metadata)
	}
	if len(activity.entries) != 1 || activity.entries[0].Action != domain.ActionDeploymentSuccess {
		t.Fatalf("unexpected activity entries: %+v", activity.entries)
	}
	if len(enqueuer.jobs) != 1 {
		t.Fatalf("expected one webhook job, got %d", len(enqueuer.jobs))
	}
	webhookJob, ok := enqueuer.jobs[0].Payload.(domain.ProcessWebhookJob)
	if !ok || enqueuer.jobs[0].Type != domain.JobTypeWebhook {
		t.Fatalf("unexpected enqueued job: %+v", enqueuer.jobs[0])
	}
	if webhookJob.SubscriptionID != "sub1" || webhookJob.Secret != "shh" {
		t.Fatalf("unexpected webhook job: %+v", webhookJob)
	}
}

func TestMissingProjectFailsFatally(t *testing.T) {
	deployment := &domain.Deployment{ID: "d1", ProjectID: "gone", Status: domain.DeploymentStatusQueued}
	projects := newFakeProjects()
	deployments := newFakeDeployments(deployment)
	activity := &fakeActivity{}
	svc := newTestService(projects, deployments, &fakeWebhooks{}, activity, &fakeEnqueuer{}, nil, Config{})

	job := domain.DeployProjectJob{ProjectID: "gone", DeploymentID: "d1", OrganizationID: "org1"}
	err := svc.HandleDeployJob(context.Background(), deployPayload(t, job))
	if err == nil {
		t.Fatal("expected error for missing project")
	}
	if !errors.Is(err, queue.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if deployment.Status != domain.DeploymentStatusFailed {
		t.Fatalf("deployment status = %q, want failed", deployment.Status)
	}
	if deployment.Error != "project not found" || deployment.FinishedAt == nil {
		t.Fatalf("failure fields not set: %+v", deployment)
	}
	if len(activity.entries) != 1 || activity.entries[0].Action != domain.ActionDeploymentFailed {
		t.Fatalf("unexpected activity entries: %+v", activity.entries)
	}
}

func TestTerminalDeploymentIsNotReplayed(t *testing.T) {
	finished := time.Now().UTC()
	deployment := &domain.Deployment{ID: "d1", ProjectID: "p1", Status: domain.DeploymentStatusSuccess, FinishedAt: &finished, URL: "https://kept.example.domain"}
	deployments := newFakeDeployments(deployment)
	activity := &fakeActivity{}
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(newFakeProjects(), deployments, &fakeWebhooks{}, activity, enqueuer, nil, Config{})

	job := domain.DeployProjectJob{ProjectID: "p1", DeploymentID: "d1"}
	if err := svc.HandleDeployJob(context.Background(), deployPayload(t, job)); err != nil {
		t.Fatalf("handle deploy job: %v", err)
	}
	if len(deployments.updates) != 0 {
		t.Fatalf("expected no status updates, got %+v", deployments.updates)
	}
	if len(activity.entries) != 0 || len(enqueuer.jobs) != 0 {
		t.Fatal("expected no side effects on redelivery")
	}
	if deployment.URL != "https://kept.example.domain" {
		t.Fatalf("terminal record mutated: %+v", deployment)
	}
}

func TestPlatformDeployReusesApplication(t *testing.T) {
	project := &domain.Project{
		ID: "p1", OrganizationID: "org1", Slug: "acme-web", Branch: "main",
		EnvironmentVariables: map[string]string{"PORT": "3000"},
		Metadata:             map[string]any{domain.MetadataKeyExternalApplicationID: "app-7"},
	}
	deployment := &domain.Deployment{ID: "d1", ProjectID: "p1", OrganizationID: "org1", Status: domain.DeploymentStatusQueued}
	client := &fakeClient{
		application: &platform.Application{ID: "app-7", Hostname: "acme-web.apps.example.domain"},
		statuses: []platform.DeploymentStatus{
			{Status: platform.DeploymentStatusBuilding},
			{Status: platform.DeploymentStatusSuccess},
		},
	}
	projects := newFakeProjects(project)
	deployments := newFakeDeployments(deployment)
	svc := newTestService(projects, deployments, &fakeWebhooks{}, &fakeActivity{}, &fakeEnqueuer{}, client,
		Config{PollInterval: time.Millisecond, PollTimeout: time.Second})

	job := domain.DeployProjectJob{ProjectID: "p1", DeploymentID: "d1", OrganizationID: "org1", Branch: "main"}
	if err := svc.HandleDeployJob(context.Background(), deployPayload(t, job)); err != nil {
		t.Fatalf("handle deploy job: %v", err)
	}

	if len(client.created) != 0 {
		t.Fatalf("expected no application creation, got %d", len(client.created))
	}
	if len(client.envUpdates) != 1 {
		t.Fatalf("expected one environment push, got %d", len(client.envUpdates))
	}
	if len(client.deployed) != 1 || client.deployed[0] != "app-7" {
		t.Fatalf("unexpected deploy calls: %v", client.deployed)
	}
	if deployment.Status != domain.DeploymentStatusSuccess {
		t.Fatalf("deployment status = %q", deployment.Status)
	}
	if deployment.URL != "https://acme-web.apps.example.domain" {
		t.Fatalf("deployment url = %q", deployment.URL)
	}
}

func TestPlatformDeployCreatesApplicationOnce(t *testing.T) {
	project := &domain.Project{ID: "p1", OrganizationID: "org1", Slug: "fresh", Branch: "main"}
	deployment := &domain.Deployment{ID: "d1", ProjectID: "p1", OrganizationID: "org1", Status: domain.DeploymentStatusQueued}
	client := &fakeClient{
		statuses: []platform.DeploymentStatus{{Status: platform.DeploymentStatusSuccess}},
	}
	projects := newFakeProjects(project)
	svc := newTestService(projects, newFakeDeployments(deployment), &fakeWebhooks{}, &fakeActivity{}, &fakeEnqueuer{}, client,
		Config{PollInterval: time.Millisecond, PollTimeout: time.Second})

	job := domain.DeployProjectJob{ProjectID: "p1", DeploymentID: "d1", OrganizationID: "org1"}
	if err := svc.HandleDeployJob(context.Background(), deployPayload(t, job)); err != nil {
		t.Fatalf("handle deploy job: %v", err)
	}
	if len(client.created) != 1 {
		t.Fatalf("expected one application creation, got %d", len(client.created))
	}
	if project.ExternalApplicationID() != "app-new" {
		t.Fatalf("application id not merged: %v", project.Metadata)
	}
}

func TestPollTimeoutCancelsRemoteDeployment(t *testing.T) {
	project := &domain.Project{
		ID: "p1", OrganizationID: "org1", Slug: "slow", Branch: "main",
		Metadata: map[string]any{domain.MetadataKeyExternalApplicationID: "app-1"},
	}
	deployment := &domain.Deployment{ID: "d1", ProjectID: "p1", OrganizationID: "org1", Status: domain.DeploymentStatusQueued}
	client := &fakeClient{
		application: &platform.Application{ID: "app-1", Hostname: "slow.apps.example.domain"},
		statuses:    []platform.DeploymentStatus{{Status: platform.DeploymentStatusBuilding}},
	}
	activity := &fakeActivity{}
	svc := newTestService(newFakeProjects(project), newFakeDeployments(deployment), &fakeWebhooks{}, activity, &fakeEnqueuer{}, client,
		Config{PollInterval: time.Millisecond, PollTimeout: 10 * time.Millisecond})

	job := domain.DeployProjectJob{ProjectID: "p1", DeploymentID: "d1", OrganizationID: "org1"}
	err := svc.HandleDeployJob(context.Background(), deployPayload(t, job))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if len(client.cancelled) != 1 {
		t.Fatalf("expected one cancel call, got %d", len(client.cancelled))
	}
	if deployment.Status != domain.DeploymentStatusFailed {
		t.Fatalf("deployment status = %q, want failed", deployment.Status)
	}
	if len(activity.entries) != 1 || activity.entries[0].Action != domain.ActionDeploymentFailed {
		t.Fatalf("unexpected activity entries: %+v", activity.entries)
	}
}

func TestRemoteFailureAttachesLogTail(t *testing.T) {
	project := &domain.Project{
		ID: "p1", OrganizationID: "org1", Slug: "broken", Branch: "main",
		Metadata: map[string]any{domain.MetadataKeyExternalApplicationID: "app-1"},
	}
	deployment := &domain.Deployment{ID: "d1", ProjectID: "p1", OrganizationID: "org1", Status: domain.DeploymentStatusQueued}
	client := &fakeClient{
		application: &platform.Application{ID: "app-1", Hostname: "broken.apps.example.domain"},
		statuses:    []platform.DeploymentStatus{{Status: platform.DeploymentStatusFailed}},
		logLines:    []string{"npm install", "build failed: missing module"},
	}
	deployments := newFakeDeployments(deployment)
	svc := newTestService(newFakeProjects(project), deployments, &fakeWebhooks{}, &fakeActivity{}, &fakeEnqueuer{}, client,
		Config{PollInterval: time.Millisecond, PollTimeout: time.Second})

	job := domain.DeployProjectJob{ProjectID: "p1", DeploymentID: "d1", OrganizationID: "org1"}
	if err := svc.HandleDeployJob(context.Background(), deployPayload(t, job)); err == nil {
		t.Fatal("expected failure error")
	}
	merges := deployments.metaMerges["d1"]
	if len(merges) != 1 {
		t.Fatalf("expected one metadata merge, got %d", len(merges))
	}
	lines, ok := merges[0]["platformLogs"].([]string)
	if !ok || len(lines) != 2 {
		t.Fatalf("log tail not attached: %+v", merges[0])
	}
}

func TestTriggerCreatesQueuedDeployment(t *testing.T) {
	project := &domain.Project{ID: "p1", OrganizationID: "org1", Slug: "acme", Branch: "main"}
	deployments := newFakeDeployments()
	enqueuer := &fakeEnqueuer{}
	svc := newTestService(newFakeProjects(project), deployments, &fakeWebhooks{}, &fakeActivity{}, enqueuer, nil, Config{})

	deployment, err := svc.Trigger(context.Background(), project, "", "abc123")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if deployment.Status != domain.DeploymentStatusQueued {
		t.Fatalf("status = %q, want queued", deployment.Status)
	}
	if len(enqueuer.jobs) != 1 || enqueuer.jobs[0].Type != domain.JobTypeDeploy {
		t.Fatalf("unexpected enqueued jobs: %+v", enqueuer.jobs)
	}
	job := enqueuer.jobs[0].Payload.(domain.DeployProjectJob)
	if job.Branch != "main" || job.DeploymentID != deployment.ID {
		t.Fatalf("unexpected job: %+v", job)
	}
}
