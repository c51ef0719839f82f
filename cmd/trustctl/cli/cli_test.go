package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/trustcore/internal/audit"
	"github.com/odyssey-erp/trustcore/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueCritical}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	err error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.QueueInfo{Queue: queue, Pending: 2, Retry: 1}, nil
}

func (s stubInspector) ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func (s stubInspector) Close() error { return nil }

func TestTriggerCommand(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	c := &JobsCLI{client: enqueuer, inspector: stubInspector{}}

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := c.TriggerCommand(context.Background(), jobs.TaskAuditIntegrityCheck, Output{JSON: true, Stdout: stdout, Stderr: stderr})
	require.Zero(t, code)
	require.Empty(t, stderr.String())
	require.Len(t, enqueuer.tasks, 1)
	require.Equal(t, jobs.TaskAuditIntegrityCheck, enqueuer.tasks[0].Type())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	require.Equal(t, "task-1", resp["id"])

	stdout.Reset()
	code = c.TriggerCommand(context.Background(), "mail:send", Output{Stdout: stdout, Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "unsupported job")
	require.Len(t, enqueuer.tasks, 1)
}

func TestQueueCommand(t *testing.T) {
	c := &JobsCLI{client: &stubEnqueuer{}, inspector: stubInspector{}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	require.Zero(t, c.QueueCommand(context.Background(), Output{JSON: true, Stdout: stdout, Stderr: stderr}))

	var stats []QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Len(t, stats, 2)
	require.Equal(t, jobs.QueueCritical, stats[0].Queue)
	require.Equal(t, 2, stats[1].Pending)

	c = &JobsCLI{client: &stubEnqueuer{}, inspector: stubInspector{err: errors.New("redis down")}}
	require.Equal(t, 1, c.QueueCommand(context.Background(), Output{Stdout: stdout, Stderr: stderr}))
	require.Contains(t, stderr.String(), "redis down")
}

func seededChecker(t *testing.T, tamper bool) *audit.IntegrityService {
	t.Helper()
	signer, err := audit.NewSigner([]byte("cli-test-key"))
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	recorder := audit.NewRecorder(audit.RecorderConfig{Store: store, Signer: signer})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := recorder.Record(ctx, audit.Entry{Type: "update", Event: "role.updated", Module: "rbac", At: time.Date(2024, 5, 1, 9, i, 0, 0, time.UTC)})
		require.NoError(t, err)
	}
	if tamper {
		a, err := store.Get(ctx, 2)
		require.NoError(t, err)
		require.NoError(t, store.UpdateSignature(ctx, a.ID, "v1:"+string(bytes.Repeat([]byte("0"), 64))))
	}
	return audit.NewIntegrityService(audit.IntegrityConfig{Store: store, Signer: signer})
}

func TestIntegrityCheckCommand(t *testing.T) {
	c, err := NewIntegrityCLI(seededChecker(t, false))
	require.NoError(t, err)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	require.Zero(t, c.CheckCommand(context.Background(), audit.CheckOptions{}, Output{Stdout: stdout, Stderr: stderr}))
	require.Contains(t, stdout.String(), "checked=3 valid=3 invalid=0")

	c, err = NewIntegrityCLI(seededChecker(t, true))
	require.NoError(t, err)
	stdout.Reset()
	code := c.CheckCommand(context.Background(), audit.CheckOptions{}, Output{JSON: true, Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitViolations, code)
	var report audit.IntegrityReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Equal(t, []int64{2}, report.CorruptedRecords)
}
