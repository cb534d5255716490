package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes-hochreiner/backup-btrfs/internal/domain"
	bhttp "github.com/hannes-hochreiner/backup-btrfs/internal/http"
)

func noRetry() *bhttp.Client {
	return bhttp.NewClient(bhttp.WithRetryConfig(bhttp.RetryConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}))
}

func TestAppriseClient_Notify_Success(t *testing.T) {
	var receivedBody appriseRequest
	var receivedPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewAppriseClient(server.URL+"/", "backup-btrfs")

	notification := domain.NewNotification("Backup failed", "transfer failed", domain.NotificationLevelError)
	err := client.Notify(context.Background(), notification)

	require.NoError(t, err)
	assert.Equal(t, "/notify/backup-btrfs", receivedPath)
	assert.Equal(t, "Backup failed", receivedBody.Title)
	assert.Equal(t, "transfer failed", receivedBody.Body)
	assert.Equal(t, "failure", receivedBody.Type)
	assert.Equal(t, "text", receivedBody.Format)
	assert.Empty(t, receivedBody.Tag)
}

func TestAppriseClient_Notify_Tag(t *testing.T) {
	var tags []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req appriseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		tags = append(tags, req.Tag)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewAppriseClient(server.URL, "key", WithTag("nas"))

	require.NoError(t, client.Notify(context.Background(), domain.NewNotification("a", "b", domain.NotificationLevelInfo)))

	tagged := domain.NewNotification("a", "b", domain.NotificationLevelInfo)
	tagged.Tag = "pager"
	require.NoError(t, client.Notify(context.Background(), tagged))

	assert.Equal(t, []string{"nas", "pager"}, tags)
}

func TestAppriseClient_Notify_TruncatesLongBody(t *testing.T) {
	var receivedBody appriseRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewAppriseClient(server.URL, "test-key")

	longBody := strings.Repeat("a", 1500)
	notification := domain.NewNotification("Title", longBody, domain.NotificationLevelInfo)

	require.NoError(t, client.Notify(context.Background(), notification))
	assert.LessOrEqual(t, len(receivedBody.Body), maxBodyLength)
	assert.True(t, strings.HasSuffix(receivedBody.Body, "..."))
}

func TestAppriseClient_Notify_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("server error"))
	}))
	defer server.Close()

	client := NewAppriseClient(server.URL, "test-key", WithHTTPClient(noRetry()))
	notification := domain.NewNotification("Title", "Body", domain.NotificationLevelError)

	err := client.Notify(context.Background(), notification)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestAppriseClient_Validate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewAppriseClient(server.URL, "test-key")

	assert.NoError(t, client.Validate(context.Background()))
}

func TestAppriseClient_Validate_Failure(t *testing.T) {
	client := NewAppriseClient("http://localhost:1", "test-key")
	err := client.Validate(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestMapLevel(t *testing.T) {
	tests := []struct {
		level    domain.NotificationLevel
		expected string
	}{
		{domain.NotificationLevelInfo, "success"},
		{domain.NotificationLevelWarning, "warning"},
		{domain.NotificationLevelError, "failure"},
		{domain.NotificationLevel("unknown"), "info"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.expected, mapLevel(tt.level))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))

	// "é" is two bytes; the cut must not split it.
	s := truncate(strings.Repeat("é", 10), 10)
	assert.True(t, utf8.ValidString(s))
	assert.LessOrEqual(t, len(s), 10)
}
