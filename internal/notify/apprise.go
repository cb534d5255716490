// Package notify delivers run notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	"github.com/hannes-hochreiner/backup-btrfs/internal/http"
)

const (
	maxBodyLength = 1000
)

// AppriseClient sends notifications via an Apprise API server.
type AppriseClient struct {
	url        string
	key        string
	tag        string
	httpClient *http.Client
	logger     *slog.Logger
}

// AppriseOption configures an AppriseClient.
type AppriseOption func(*AppriseClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AppriseOption {
	return func(a *AppriseClient) {
		a.httpClient = client
	}
}

// WithTag sets the tag used for notifications that carry none.
func WithTag(tag string) AppriseOption {
	return func(a *AppriseClient) {
		a.tag = tag
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AppriseOption {
	return func(a *AppriseClient) {
		a.logger = logger
	}
}

// NewAppriseClient creates a new AppriseClient for the stateful
// configuration stored under key.
func NewAppriseClient(url, key string, opts ...AppriseOption) *AppriseClient {
	a := &AppriseClient{
		url:        strings.TrimSuffix(url, "/"),
		key:        key,
		httpClient: http.NewClient(),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// appriseRequest is the JSON body of POST /notify/{key}.
type appriseRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Type   string `json:"type,omitempty"` // info, success, warning, failure
	Tag    string `json:"tag,omitempty"`
	Format string `json:"format,omitempty"`
}

// Notify sends a notification via Apprise.
func (a *AppriseClient) Notify(ctx context.Context, notification *domain.Notification) error {
	tag := notification.Tag
	if tag == "" {
		tag = a.tag
	}

	req := appriseRequest{
		Title:  notification.Title,
		Body:   truncate(notification.Body, maxBodyLength),
		Type:   mapLevel(notification.Level),
		Tag:    tag,
		Format: "text",
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	notifyURL := fmt.Sprintf("%s/notify/%s", a.url, a.key)

	a.logger.Debug("sending notification via apprise",
		"url", notifyURL,
		"title", notification.Title,
		"level", notification.Level,
		"tag", tag,
	)

	resp, err := a.httpClient.Post(ctx, notifyURL, "application/json", jsonBody)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("apprise returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}

	a.logger.Debug("notification sent successfully")
	return nil
}

// Validate checks if the Apprise server is reachable.
func (a *AppriseClient) Validate(ctx context.Context) error {
	// The JSON view of the stored configuration is cheapest; older servers
	// only answer on the root.
	configURL := fmt.Sprintf("%s/json/urls/%s", a.url, a.key)

	if err := a.httpClient.CheckConnectivity(ctx, configURL); err != nil {
		if err2 := a.httpClient.CheckConnectivity(ctx, a.url); err2 != nil {
			return fmt.Errorf("apprise server not reachable at %s: %w", a.url, err)
		}
	}

	return nil
}

// mapLevel maps domain notification level to Apprise type.
func mapLevel(level domain.NotificationLevel) string {
	switch level {
	case domain.NotificationLevelInfo:
		return "success"
	case domain.NotificationLevelWarning:
		return "warning"
	case domain.NotificationLevelError:
		return "failure"
	default:
		return "info"
	}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Ensure AppriseClient implements domain.Notifier.
var _ domain.Notifier = (*AppriseClient)(nil)
