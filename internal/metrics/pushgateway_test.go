package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
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

func finishedRun(success bool) *domain.RunResult {
	run := domain.NewRunResult(false)
	run.Transfer = &domain.TransferResult{
		Plan:     domain.IncrementalPlan(&domain.Snapshot{Name: "b"}, &domain.Snapshot{Name: "a"}),
		Duration: 42 * time.Second,
	}
	run.BackupRetention = domain.NewRetentionResult("charon", nil)
	run.BackupRetention.Deleted = []string{"/data/snapshots/x", "/data/snapshots/y"}
	run.BackupRetention.Failed["/data/snapshots/z"] = "busy"
	if success {
		run.Advance(domain.PhaseDone)
	} else {
		run.Fail(domain.PhaseTransferComplete, &domain.IntegrityError{Path: "/data/snapshots/b", Reason: "not read-only"})
	}
	run.Complete()
	return run
}

func TestPushgatewayClient_Push_Success(t *testing.T) {
	var method, path, contentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewPushgatewayClient(server.URL+"/", WithHTTPClient(noRetry()))

	m := domain.NewMetrics("test-host", "home")
	m.Run = finishedRun(true)

	require.NoError(t, client.Push(context.Background(), m))
	assert.Equal(t, http.MethodPost, method)
	// Grouping labels come in map order.
	assert.True(t, strings.HasPrefix(path, "/metrics/job/backup_btrfs/"), path)
	assert.Contains(t, path, "/instance/test-host")
	assert.Contains(t, path, "/suffix/home")
	assert.Contains(t, contentType, "application/vnd.google.protobuf")
}

func TestPushgatewayClient_Push_Job(t *testing.T) {
	var path string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewPushgatewayClient(server.URL, WithJob("nightly"), WithHTTPClient(noRetry()))

	require.NoError(t, client.Push(context.Background(), domain.NewMetrics("test-host", "")))
	assert.Equal(t, "/metrics/job/nightly/instance/test-host", path)
}

func TestPushgatewayClient_Push_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer server.Close()

	client := NewPushgatewayClient(server.URL, WithHTTPClient(noRetry()))

	err := client.Push(context.Background(), domain.NewMetrics("test-host", "home"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestPushgatewayClient_Validate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewPushgatewayClient(server.URL)

	assert.NoError(t, client.Validate(context.Background()))
}

func TestPushgatewayClient_Validate_Failure(t *testing.T) {
	client := NewPushgatewayClient("http://localhost:1")
	err := client.Validate(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestBuildRegistry_SuccessfulRun(t *testing.T) {
	m := domain.NewMetrics("test-host", "home")
	m.Run = finishedRun(true)
	m.SourceSnapshots = 24
	m.BackupSnapshots = 15

	reg, c := buildRegistry(m)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.up))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.success))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transferIncremental))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.transferDuration))
	assert.Equal(t, 24.0, testutil.ToFloat64(c.snapshots.WithLabelValues("source")))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.snapshots.WithLabelValues("backup")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.deleted.WithLabelValues("backup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.undeleted.WithLabelValues("backup")))

	count, err := testutil.GatherAndCount(reg, "backup_btrfs_last_run_failed")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBuildRegistry_FailedRun(t *testing.T) {
	m := domain.NewMetrics("test-host", "home")
	m.Run = finishedRun(false)

	reg, c := buildRegistry(m)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.success))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failed.WithLabelValues("transfer_complete", "integrity")))

	count, err := testutil.GatherAndCount(reg, "backup_btrfs_last_run_failed")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBuildRegistry_ServiceDown(t *testing.T) {
	m := domain.NewMetrics("test-host", "home")
	m.ServiceUp = false

	reg, c := buildRegistry(m)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.up))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "up and info only")
}
