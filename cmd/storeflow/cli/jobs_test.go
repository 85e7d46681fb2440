package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/storeflow/jobs"
)

func runJobs(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := NewJobsCommand(func() (string, error) { return addr, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsCommandRejectsBadUsage(t *testing.T) {
	_, err := runJobs(t, "127.0.0.1:6379", "trigger")
	require.Error(t, err)
	_, err = runJobs(t, "127.0.0.1:6379", "trigger", "a", "b")
	require.Error(t, err)
	_, err = runJobs(t, "127.0.0.1:6379", "stats", "extra")
	require.Error(t, err)
}

func TestJobsCommandNeedsRedis(t *testing.T) {
	_, err := runJobs(t, "", "stats")
	require.EqualError(t, err, "jobs cli: redis address required")

	cmd := NewJobsCommand(func() (string, error) { return "", errors.New("load config: bad env") })
	cmd.SetArgs([]string{"stats"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.EqualError(t, cmd.Execute(), "load config: bad env")
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStats(&buf, QueueStats{Queue: jobs.QueueDefault, Pending: 4, Retry: 1}))
	require.Contains(t, buf.String(), "PENDING")
	require.Contains(t, buf.String(), "default")
}
