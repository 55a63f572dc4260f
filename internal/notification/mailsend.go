package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/zone"
)

const mailSendAPIURL = "https://api.mailersend.com/v1/email"

// MailSendEmailRequest is the MailerSend API payload.
type MailSendEmailRequest struct {
	From    EmailRecipient   `json:"from"`
	To      []EmailRecipient `json:"to"`
	Subject string           `json:"subject"`
	Text    string           `json:"text"`
}

// EmailRecipient represents an email recipient with name and address
type EmailRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

var subjects = map[zone.Kind]string{
	zone.UnauthorizedEntry: "Security Alert: Person Entered Room",
	zone.LeavingRoom:       "Security Alert: Person Leaving Room",
}

var alertBody = template.Must(template.New("alert").Parse(
	`{{.System}} raised an alert at {{.Time}}.

Event:     {{.Kind}}
Person ID: {{.EntityID}}
Event ID:  {{.EventID}}

Please check the live feed.
`))

// MailSendNotifier e-mails alerting events through MailerSend. Each kind is
// sent at most once per cooldown.
type MailSendNotifier struct {
	cfg        config.MailSendConfig
	systemName string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[zone.Kind]time.Time
}

// MailSendOption configures a MailSendNotifier.
type MailSendOption func(*MailSendNotifier)

func WithMailSendLogger(l *zap.Logger) MailSendOption {
	return func(n *MailSendNotifier) { n.logger = l.Named("mailsend") }
}

// NewMailSendNotifier validates cfg and returns a ready notifier.
func NewMailSendNotifier(cfg config.MailSendConfig, systemName string, opts ...MailSendOption) (*MailSendNotifier, error) {
	if cfg.APIToken == "" {
		return nil, errors.New("MailSend API token is required")
	}
	if cfg.ToEmail == "" {
		return nil, errors.New("notification email address is required")
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = "security@classycam.local"
	}
	if systemName == "" {
		systemName = "ClassyCam"
	}

	n := &MailSendNotifier{
		cfg:        cfg,
		systemName: systemName,
		endpoint:   mailSendAPIURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.L().Named("mailsend"),
		now:        time.Now,
		lastSent:   make(map[zone.Kind]time.Time),
	}
	if cfg.Endpoint != "" {
		n.endpoint = cfg.Endpoint
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *MailSendNotifier) Name() string { return "mailsend" }

// Send skips non-alert kinds and kinds still in cooldown.
func (n *MailSendNotifier) Send(ctx context.Context, ev zone.Event) error {
	if !IsAlert(ev.Kind) {
		return nil
	}
	if n.coolingDown(ev.Kind) {
		n.logger.Debug("alert suppressed by cooldown", zap.String("kind", string(ev.Kind)))
		return nil
	}

	req, err := n.buildRequest(ev)
	if err != nil {
		return backoff.Permanent(err)
	}
	if err := n.sendEmail(ctx, req); err != nil {
		return err
	}

	n.mu.Lock()
	n.lastSent[ev.Kind] = n.now()
	n.mu.Unlock()
	n.logger.Info("alert email sent",
		zap.String("kind", string(ev.Kind)),
		zap.Int("entity_id", ev.EntityID))
	return nil
}

func (n *MailSendNotifier) coolingDown(kind zone.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.lastSent[kind]
	return ok && n.now().Sub(last) < n.cfg.Cooldown
}

func (n *MailSendNotifier) buildRequest(ev zone.Event) (MailSendEmailRequest, error) {
	var body strings.Builder
	err := alertBody.Execute(&body, map[string]any{
		"System":   n.systemName,
		"Time":     ev.Timestamp.Format(time.RFC1123),
		"Kind":     ev.Kind,
		"EntityID": ev.EntityID,
		"EventID":  ev.ID,
	})
	if err != nil {
		return MailSendEmailRequest{}, fmt.Errorf("failed to execute email template: %w", err)
	}

	return MailSendEmailRequest{
		From:    EmailRecipient{Email: n.cfg.FromEmail, Name: n.systemName},
		To:      []EmailRecipient{{Email: n.cfg.ToEmail}},
		Subject: subjects[ev.Kind],
		Text:    body.String(),
	}, nil
}

// sendEmail posts one request. Client errors other than 429 are permanent.
func (n *MailSendNotifier) sendEmail(ctx context.Context, emailRequest MailSendEmailRequest) error {
	jsonData, err := json.Marshal(emailRequest)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal email request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.cfg.APIToken)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	// MailerSend answers 202 Accepted on success.
	if resp.StatusCode == http.StatusAccepted {
		n.logger.Debug("MailerSend API success", zap.String("message_id", resp.Header.Get("x-message-id")))
		return nil
	}

	errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := fmt.Errorf("MailerSend API error (status %d): %s", resp.StatusCode, string(errorBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(apiErr)
	}
	return apiErr
}
