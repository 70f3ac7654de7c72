// Package activity appends audit records for actions taken by background
// workers.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/internal/domain"
	"github.com/stackpilot/stackpilot/internal/repository"
)

// Service writes activity entries.
type Service struct {
	activity repository.ActivityRepository
	logger   *slog.Logger
}

// New constructs the audit writer.
func New(activity repository.ActivityRepository, logger *slog.Logger) *Service {
	return &Service{activity: activity, logger: logger}
}

// Params carries the attributes of one audit record. Actor and request
// context are optional; workers usually have neither.
type Params struct {
	Action         string
	EntityType     string
	EntityID       string
	OrganizationID string
	ActorID        *string
	Metadata       map[string]any
	IPAddress      *string
	UserAgent      *string
}

// Create appends one entry and returns it. Metadata defaults to an empty
// object; write errors propagate to the caller.
func (s *Service) Create(ctx context.Context, params Params) (*domain.ActivityEntry, error) {
	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode activity metadata: %w", err)
	}
	entry := &domain.ActivityEntry{
		ID:             uuid.NewString(),
		Action:         params.Action,
		EntityType:     params.EntityType,
		EntityID:       params.EntityID,
		OrganizationID: params.OrganizationID,
		ActorID:        params.ActorID,
		Metadata:       payload,
		IPAddress:      params.IPAddress,
		UserAgent:      params.UserAgent,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.activity.InsertActivityEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert activity entry: %w", err)
	}
	s.logger.Debug("activity recorded", "action", params.Action, "entity_id", params.EntityID)
	return entry, nil
}

// Record is the shorthand used by job handlers that carry no actor or
// request context.
func (s *Service) Record(ctx context.Context, action, entityType, entityID, organizationID string, metadata map[string]any) error {
	_, err := s.Create(ctx, Params{
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		OrganizationID: organizationID,
		Metadata:       metadata,
	})
	return err
}
