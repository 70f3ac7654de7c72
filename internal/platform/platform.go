// Package platform wraps the hosting platform's REST surface used to build
// and run customer applications.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissingConfig is returned when the adapter is constructed without an
// API base URL or key.
var ErrMissingConfig = errors.New("platform: api base url and key required")

// Deployment status values reported by the platform.
const (
	DeploymentStatusQueued    = "queued"
	DeploymentStatusBuilding  = "building"
	DeploymentStatusDeploying = "deploying"
	DeploymentStatusSuccess   = "success"
	DeploymentStatusFailed    = "failed"
	DeploymentStatusCanceled  = "canceled"
)

// ApplicationSpec describes a new application to provision.
type ApplicationSpec struct {
	Name                 string            `json:"name"`
	RepositoryURL        string            `json:"repository_url"`
	Branch               string            `json:"branch"`
	BuildCommand         string            `json:"build_command"`
	StartCommand         string            `json:"start_command"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
}

// Application is the platform's view of a provisioned application.
type Application struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
}

// DeployOptions carries optional parameters for a deploy trigger.
type DeployOptions struct {
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// DeployResult identifies a triggered deployment.
type DeployResult struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

// DeploymentStatus reports deploy progress on the platform side.
type DeploymentStatus struct {
	Status     string     `json:"status"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the platform finished processing the deployment.
func (s DeploymentStatus) Terminal() bool {
	switch s.Status {
	case DeploymentStatusSuccess, DeploymentStatusFailed, DeploymentStatusCanceled:
		return true
	}
	return false
}

// Client is the adapter contract consumed by the deployment orchestrator.
type Client interface {
	CreateApplication(ctx context.Context, spec ApplicationSpec) (*Application, error)
	DeployApplication(ctx context.Context, applicationID string, opts DeployOptions) (*DeployResult, error)
	GetApplication(ctx context.Context, applicationID string) (*Application, error)
	GetDeployment(ctx context.Context, deploymentID string) (*DeploymentStatus, error)
	// GetDeploymentLogs never fails; on any error it returns no lines.
	GetDeploymentLogs(ctx context.Context, deploymentID string) []string
	UpdateEnvironmentVariables(ctx context.Context, applicationID string, vars map[string]string) error
	DeleteApplication(ctx context.Context, applicationID string) error
	CancelDeployment(ctx context.Context, deploymentID string) error
}

// APIError represents a non-2xx response from the platform.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("platform request failed with status %d", e.Status)
	}
	return fmt.Sprintf("platform request failed (%d): %s", e.Status, e.Body)
}
