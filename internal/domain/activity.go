package domain

import (
	"encoding/json"
	"time"
)

// Activity actions emitted by the deployment orchestrator.
const (
	ActionDeploymentSuccess = "deployment.success"
	ActionDeploymentFailed  = "deployment.failed"
)

// ActivityEntry is one append-only audit record.
type ActivityEntry struct {
	ID             string
	Action         string
	EntityType     string
	EntityID       string
	OrganizationID string
	ActorID        *string
	Metadata       json.RawMessage
	IPAddress      *string
	UserAgent      *string
	CreatedAt      time.Time
}

// Session tracks an authenticated browser session. Rows are created by the
// auth service; this worker only expires them.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}
