package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"log/slog"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPClient talks to the platform REST API with bearer authentication.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// Option customises client instantiation.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a platform client. Construction fails fast when the base
// URL or API key is absent.
func New(baseURL, apiKey string, logger *slog.Logger, opts ...Option) (*HTTPClient, error) {
	trimmedURL := strings.TrimSpace(baseURL)
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedURL == "" || trimmedKey == "" {
		return nil, ErrMissingConfig
	}
	if _, err := url.Parse(trimmedURL); err != nil {
		return nil, fmt.Errorf("invalid platform api url: %w", err)
	}
	cli := &HTTPClient{
		baseURL:    strings.TrimRight(trimmedURL, "/"),
		apiKey:     trimmedKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// CreateApplication provisions a new application from the spec.
func (c *HTTPClient) CreateApplication(ctx context.Context, spec ApplicationSpec) (*Application, error) {
	var app Application
	if err := c.do(ctx, http.MethodPost, "/applications", spec, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// DeployApplication triggers a deployment for the application.
func (c *HTTPClient) DeployApplication(ctx context.Context, applicationID string, opts DeployOptions) (*DeployResult, error) {
	path := fmt.Sprintf("/applications/%s/deploy", url.PathEscape(applicationID))
	var result DeployResult
	if err := c.do(ctx, http.MethodPost, path, opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetApplication fetches application details including its hostname.
func (c *HTTPClient) GetApplication(ctx context.Context, applicationID string) (*Application, error) {
	path := fmt.Sprintf("/applications/%s", url.PathEscape(applicationID))
	var app Application
	if err := c.do(ctx, http.MethodGet, path, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// GetDeployment reports the status of a triggered deployment.
func (c *HTTPClient) GetDeployment(ctx context.Context, deploymentID string) (*DeploymentStatus, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	var status DeploymentStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetDeploymentLogs returns build/deploy log lines. It never fails; any
// error yields an empty slice so log retrieval cannot sink a job.
func (c *HTTPClient) GetDeploymentLogs(ctx context.Context, deploymentID string) []string {
	path := fmt.Sprintf("/deployments/%s/logs", url.PathEscape(deploymentID))
	var payload struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		if c.logger != nil {
			c.logger.Warn("deployment log fetch failed", "deployment_id", deploymentID, "error", err)
		}
		return []string{}
	}
	if payload.Lines == nil {
		return []string{}
	}
	return payload.Lines
}

// UpdateEnvironmentVariables replaces the application environment. The
// platform consumes newline-delimited KEY=VALUE pairs.
func (c *HTTPClient) UpdateEnvironmentVariables(ctx context.Context, applicationID string, vars map[string]string) error {
	path := fmt.Sprintf("/applications/%s/environment", url.PathEscape(applicationID))
	body := map[string]string{"environment": EncodeEnvironment(vars)}
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// DeleteApplication removes the application from the platform.
func (c *HTTPClient) DeleteApplication(ctx context.Context, applicationID string) error {
	path := fmt.Sprintf("/applications/%s", url.PathEscape(applicationID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// CancelDeployment aborts an in-flight deployment.
func (c *HTTPClient) CancelDeployment(ctx context.Context, deploymentID string) error {
	path := fmt.Sprintf("/deployments/%s/cancel", url.PathEscape(deploymentID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// EncodeEnvironment serializes variables as newline-delimited KEY=VALUE
// pairs with stable key order.
func EncodeEnvironment(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, key+"="+vars[key])
	}
	return strings.Join(lines, "\n")
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, v any) error {
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// transport failures pass through unchanged
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
