package domain

import (
	"encoding/json"
	"time"
)

// Deployment status values. Transitions run queued -> in_progress ->
// {success, failed}; terminal states are never overwritten.
const (
	DeploymentStatusQueued     = "queued"
	DeploymentStatusInProgress = "in_progress"
	DeploymentStatusSuccess    = "success"
	DeploymentStatusFailed     = "failed"
)

// Deployment captures a single attempt to make a project's code live.
type Deployment struct {
	ID             string
	ProjectID      string
	OrganizationID string
	Status         string
	Progress       int
	Stage          string
	Error          string
	URL            string
	Metadata       json.RawMessage
	StartedAt      time.Time
	FinishedAt     *time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the deployment has reached a final state.
func (d *Deployment) Terminal() bool {
	if d == nil {
		return false
	}
	return d.Status == DeploymentStatusSuccess || d.Status == DeploymentStatusFailed
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Progress     int
	Stage        string
	Error        string
	URL          string
	FinishedAt   *time.Time
}
