package domain

import "time"

// Project status values.
const (
	ProjectStatusDraft    = "draft"
	ProjectStatusActive   = "active"
	ProjectStatusArchived = "archived"
)

// MetadataKeyExternalApplicationID stores the hosting platform application id
// inside Project.Metadata. It is written at most once and reused across
// redeploys.
const MetadataKeyExternalApplicationID = "externalApplicationId"

// MetadataKeyLastDeploymentID records the most recent successful deployment.
const MetadataKeyLastDeploymentID = "lastDeploymentId"

// Project describes a deployable unit.
type Project struct {
	ID                   string
	OrganizationID       string
	Slug                 string
	Name                 string
	RepositoryURL        string
	Branch               string
	BuildCommand         string
	StartCommand         string
	EnvironmentVariables map[string]string
	Metadata             map[string]any
	Status               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ExternalApplicationID returns the platform application id from metadata,
// or empty when the project has never been provisioned.
func (p *Project) ExternalApplicationID() string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	if value, ok := p.Metadata[MetadataKeyExternalApplicationID].(string); ok {
		return value
	}
	return ""
}
