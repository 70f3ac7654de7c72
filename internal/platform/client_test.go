package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New("", "key", testLogger()); !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
	if _, err := New("https://api.example.domain", "  ", testLogger()); !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
}

func TestCreateApplication(t *testing.T) {
	var gotAuth string
	var gotSpec ApplicationSpec
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/applications" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotSpec); err != nil {
			t.Fatalf("decode spec: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Application{ID: "app-1", Name: gotSpec.Name, Status: "provisioned"})
	}))
	defer server.Close()

	client, err := New(server.URL, "secret-key", testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	app, err := client.CreateApplication(context.Background(), ApplicationSpec{
		Name:          "acme-web",
		RepositoryURL: "https://git.example/acme/web.git",
		Branch:        "main",
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	if app.ID != "app-1" {
		t.Fatalf("unexpected application id %q", app.ID)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotSpec.Name != "acme-web" || gotSpec.Branch != "main" {
		t.Fatalf("spec not forwarded: %+v", gotSpec)
	}
}

func TestNon2xxReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"branch not found"}`))
	}))
	defer server.Close()

	client, err := New(server.URL, "key", testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.DeployApplication(context.Background(), "app-1", DeployOptions{Branch: "gone"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", apiErr.Status)
	}
	if apiErr.Body == "" {
		t.Fatal("expected error body to carry response")
	}
}

func TestGetDeploymentLogsNeverFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := New(server.URL, "key", testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	lines := client.GetDeploymentLogs(context.Background(), "dep-1")
	if lines == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}

	// transport failure
	server.Close()
	lines = client.GetDeploymentLogs(context.Background(), "dep-1")
	if len(lines) != 0 {
		t.Fatalf("expected no lines after transport failure, got %v", lines)
	}
}

func TestUpdateEnvironmentVariablesSerialization(t *testing.T) {
	var body struct {
		Environment string `json:"environment"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/applications/app-1/environment" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := New(server.URL, "key", testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.UpdateEnvironmentVariables(context.Background(), "app-1", map[string]string{
		"ZED":  "last",
		"ALFA": "first",
		"MID":  "middle",
	})
	if err != nil {
		t.Fatalf("update environment: %v", err)
	}
	want := "ALFA=first\nMID=middle\nZED=last"
	if body.Environment != want {
		t.Fatalf("environment = %q, want %q", body.Environment, want)
	}
}

func TestEncodeEnvironmentEmpty(t *testing.T) {
	if got := EncodeEnvironment(nil); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
