// Package notify renders templated emails and sends them through whichever
// transport the deployment environment provides.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"log/slog"

	"github.com/stackpilot/stackpilot/internal/domain"
	"github.com/stackpilot/stackpilot/internal/queue"
)

// ErrUnknownTemplate marks a job referencing a template that does not exist.
// Such jobs are dead-lettered; a retry cannot make the file appear.
var ErrUnknownTemplate = errors.New("notify: unknown email template")

// Message is one rendered email ready for a transport.
type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Transport sends a rendered message.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Config selects the transport and template location.
type Config struct {
	APIBaseURL   string
	APIKey       string
	From         string
	SMTPAddr     string
	SMTPUsername string
	SMTPPassword string
	TemplateDir  string
}

// Service renders and sends notification emails.
type Service struct {
	transport   Transport
	templateDir string
	from        string
	logger      *slog.Logger
}

// New constructs the service. The transport is resolved once: hosted API
// when configured, SMTP when an address is set, otherwise a logging
// fallback for development.
func New(cfg Config, logger *slog.Logger) *Service {
	svc := &Service{
		templateDir: cfg.TemplateDir,
		from:        cfg.From,
		logger:      logger,
	}
	switch {
	case cfg.APIBaseURL != "" && cfg.APIKey != "":
		svc.transport = &apiTransport{
			baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
			apiKey:     cfg.APIKey,
			httpClient: &http.Client{Timeout: 15 * time.Second},
		}
		logger.Info("email transport selected", "transport", "api")
	case cfg.SMTPAddr != "":
		svc.transport = &smtpTransport{
			addr:     cfg.SMTPAddr,
			username: cfg.SMTPUsername,
			password: cfg.SMTPPassword,
		}
		logger.Info("email transport selected", "transport", "smtp")
	default:
		svc.transport = &logTransport{logger: logger}
		logger.Info("email transport selected", "transport", "log")
	}
	return svc
}

// WithTransport overrides the resolved transport. Test seam.
func (s *Service) WithTransport(t Transport) *Service {
	if t != nil {
		s.transport = t
	}
	return s
}

// HandleEmailJob is the dispatcher handler for email.send jobs.
func (s *Service) HandleEmailJob(ctx context.Context, payload json.RawMessage) error {
	var job domain.SendEmailJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return queue.Fatal(fmt.Errorf("decode email job: %w", err))
	}
	if job.To == "" {
		return queue.Fatal(errors.New("email job has no recipient"))
	}

	subject, body, err := s.render(job)
	if err != nil {
		return err
	}
	if subject == "" {
		subject = job.Subject
	}

	msg := Message{To: job.To, From: s.from, Subject: subject, Body: body}
	if err := s.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send email to %s: %w", job.To, err)
	}
	s.logger.Info("email sent", "to", job.To, "template", job.Template)
	return nil
}

// render resolves and executes the template for the job. Templates are read
// per call so edits take effect without a restart.
func (s *Service) render(job domain.SendEmailJob) (subject, body string, err error) {
	name := job.Template
	if name == "" || name != filepath.Base(name) {
		return "", "", queue.Fatal(fmt.Errorf("%w: %q", ErrUnknownTemplate, job.Template))
	}
	path := filepath.Join(s.templateDir, name+".tmpl")
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", queue.Fatal(fmt.Errorf("%w: %q", ErrUnknownTemplate, job.Template))
		}
		return "", "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, job.Data); err != nil {
		return "", "", queue.Fatal(fmt.Errorf("execute template %s: %w", name, err))
	}
	return splitSubject(buf.String())
}

// splitSubject peels a leading "Subject: …" line off the rendered output.
func splitSubject(rendered string) (subject, body string, err error) {
	const prefix = "Subject:"
	trimmed := strings.TrimLeft(rendered, "\n")
	if strings.HasPrefix(trimmed, prefix) {
		line, rest, _ := strings.Cut(trimmed, "\n")
		return strings.TrimSpace(strings.TrimPrefix(line, prefix)), strings.TrimLeft(rest, "\n"), nil
	}
	return "", rendered, nil
}

// apiTransport posts messages to a hosted email API with bearer auth.
type apiTransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func (t *apiTransport) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(map[string]string{
		"to":      msg.To,
		"from":    msg.From,
		"subject": msg.Subject,
		"body":    msg.Body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email api responded %d", resp.StatusCode)
	}
	return nil
}

// smtpTransport speaks plain SMTP, with auth when credentials are present.
type smtpTransport struct {
	addr     string
	username string
	password string
}

func (t *smtpTransport) Send(_ context.Context, msg Message) error {
	var auth smtp.Auth
	if t.username != "" {
		host, _, _ := strings.Cut(t.addr, ":")
		auth = smtp.PlainAuth("", t.username, t.password, host)
	}
	var raw bytes.Buffer
	fmt.Fprintf(&raw, "From: %s\r\n", msg.From)
	fmt.Fprintf(&raw, "To: %s\r\n", msg.To)
	fmt.Fprintf(&raw, "Subject: %s\r\n", msg.Subject)
	raw.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	raw.WriteString(msg.Body)
	return smtp.SendMail(t.addr, auth, msg.From, []string{msg.To}, raw.Bytes())
}

// logTransport writes the message to the log. Development fallback.
type logTransport struct {
	logger *slog.Logger
}

func (t *logTransport) Send(_ context.Context, msg Message) error {
	t.logger.Info("email (log transport)",
		"to", msg.To, "subject", msg.Subject, "body_len", len(msg.Body))
	return nil
}
