// Package webhook delivers signed event payloads to subscriber endpoints
// and records every attempt.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackpilot/stackpilot/internal/domain"
	"github.com/stackpilot/stackpilot/internal/queue"
	"github.com/stackpilot/stackpilot/internal/repository"
)

const (
	headerEvent     = "X-Stackpilot-Event"
	headerSignature = "X-Stackpilot-Signature"
	headerDelivery  = "X-Stackpilot-Delivery"

	signaturePrefix = "sha256="

	defaultDeliveryTimeout = 10 * time.Second
	defaultSenderName      = "stackpilot-hookshot"
)

// SecretDecrypter recovers signing secrets stored encrypted.
type SecretDecrypter interface {
	Decrypt(payload []byte) (string, error)
}

// Service delivers webhook events.
type Service struct {
	webhooks   repository.WebhookRepository
	secrets    SecretDecrypter
	httpClient *http.Client
	senderName string
	logger     *slog.Logger
}

// Option customises the delivery service.
type Option func(*Service)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(s *Service) {
		if h != nil {
			s.httpClient = h
		}
	}
}

// WithSenderName sets the User-Agent presented to subscribers.
func WithSenderName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.senderName = name
		}
	}
}

// New constructs the delivery service.
func New(webhooks repository.WebhookRepository, secrets SecretDecrypter, logger *slog.Logger, opts ...Option) *Service {
	svc := &Service{
		webhooks:   webhooks,
		secrets:    secrets,
		httpClient: &http.Client{Timeout: defaultDeliveryTimeout},
		senderName: defaultSenderName,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// HandleDeliveryJob is the dispatcher handler for webhook.deliver jobs. The
// attempt row is written whether delivery succeeds or not.
func (s *Service) HandleDeliveryJob(ctx context.Context, payload json.RawMessage) error {
	var job domain.ProcessWebhookJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return queue.Fatal(fmt.Errorf("decode webhook job: %w", err))
	}
	if job.URL == "" {
		return queue.Fatal(fmt.Errorf("webhook job for subscription %s has no url", job.SubscriptionID))
	}

	secret, err := s.resolveSecret(ctx, job)
	if err != nil {
		return err
	}

	deliveryID := uuid.NewString()
	status, deliverErr := s.deliver(ctx, job, secret, deliveryID)

	attempt := &domain.WebhookDeliveryAttempt{
		ID:             deliveryID,
		SubscriptionID: job.SubscriptionID,
		Event:          job.Event,
		Payload:        job.Payload,
		HTTPStatus:     status,
		Success:        deliverErr == nil,
		AttemptedAt:    time.Now().UTC(),
	}
	if deliverErr != nil {
		attempt.Error = deliverErr.Error()
	}
	if recordErr := s.webhooks.RecordDeliveryAttempt(ctx, attempt); recordErr != nil {
		s.logger.Error("delivery attempt record failed",
			"subscription_id", job.SubscriptionID, "delivery_id", deliveryID, "error", recordErr)
	}

	if deliverErr != nil {
		s.logger.Warn("webhook delivery failed",
			"subscription_id", job.SubscriptionID,
			"event", job.Event,
			"http_status", status,
			"error", deliverErr,
		)
		return deliverErr
	}
	s.logger.Info("webhook delivered",
		"subscription_id", job.SubscriptionID, "event", job.Event, "http_status", status)
	return nil
}

// resolveSecret prefers the secret carried by the job and falls back to
// loading and decrypting the subscription's stored secret.
func (s *Service) resolveSecret(ctx context.Context, job domain.ProcessWebhookJob) (string, error) {
	if job.Secret != "" {
		return job.Secret, nil
	}
	if job.SubscriptionID == "" {
		return "", nil
	}
	sub, err := s.webhooks.GetSubscriptionByID(ctx, job.SubscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", queue.Fatal(fmt.Errorf("subscription %s: %w", job.SubscriptionID, err))
		}
		return "", fmt.Errorf("load subscription: %w", err)
	}
	if len(sub.Secret) == 0 {
		return "", nil
	}
	if s.secrets == nil {
		return "", queue.Fatal(fmt.Errorf("subscription %s has an encrypted secret but no decrypter is configured", job.SubscriptionID))
	}
	plain, err := s.secrets.Decrypt(sub.Secret)
	if err != nil {
		return "", queue.Fatal(fmt.Errorf("decrypt subscription secret: %w", err))
	}
	return plain, nil
}

func (s *Service) deliver(ctx context.Context, job domain.ProcessWebhookJob, secret, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, queue.Fatal(fmt.Errorf("build delivery request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.senderName)
	req.Header.Set(headerEvent, job.Event)
	req.Header.Set(headerDelivery, deliveryID)
	if secret != "" {
		req.Header.Set(headerSignature, signaturePrefix+Sign(secret, job.Payload))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("subscriber responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of the payload under the secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks a received signature header against the payload.
func ValidateSignature(secret string, payload []byte, header string) bool {
	header = strings.TrimPrefix(header, signaturePrefix)
	expected, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
