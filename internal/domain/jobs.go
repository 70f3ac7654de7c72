package domain

import "encoding/json"

// Job type names registered with the dispatcher.
const (
	JobTypeDeploy  = "deploy.project"
	JobTypeWebhook = "webhook.deliver"
	JobTypeEmail   = "email.send"
	JobTypeCleanup = "cleanup.run"
)

// DeployProjectJob drives one deployment attempt.
type DeployProjectJob struct {
	ProjectID      string `json:"project_id"`
	DeploymentID   string `json:"deployment_id"`
	OrganizationID string `json:"organization_id"`
	Branch         string `json:"branch"`
	CommitSHA      string `json:"commit_sha"`
}

// ProcessWebhookJob delivers one event to one subscriber.
type ProcessWebhookJob struct {
	SubscriptionID string          `json:"subscription_id"`
	URL            string          `json:"url"`
	Secret         string          `json:"secret"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
}

// SendEmailJob renders a template and dispatches one message.
type SendEmailJob struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
}

// CleanupJob requests a retention sweep for one record domain.
type CleanupJob struct {
	Type          string `json:"type"`
	OlderThanDays int    `json:"older_than_days"`
}
