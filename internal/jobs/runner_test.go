package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autopilot/internal/config"
	"autopilot/internal/store"
)

func newRunner(t *testing.T, workers, queue int, reg Registry) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.Config{WorkerCount: workers, QueueSize: queue}
	return NewRunner(cfg, st, reg), st
}

func noop(context.Context, ExecutionContext, string, map[string]any) error { return nil }

func TestIdempotentEnqueue(t *testing.T) {
	runner, _ := newRunner(t, 0, 2, Registry{TaskIngestFile: noop})
	ctx := context.Background()
	j1, err := runner.Enqueue(ctx, "tickets.csv", TaskIngestFile, map[string]any{"path": "/uploads/tickets.csv"})
	if err != nil {
		t.Fatalf("enqueue1: %v", err)
	}
	j2, err := runner.Enqueue(ctx, "tickets.csv", TaskIngestFile, map[string]any{"path": "/uploads/tickets.csv"})
	if err != nil {
		t.Fatalf("enqueue2: %v", err)
	}
	if j1.ID != j2.ID {
		t.Fatalf("expected idempotent job, got %d vs %d", j1.ID, j2.ID)
	}
}

func TestUnknownTaskRejected(t *testing.T) {
	runner, _ := newRunner(t, 0, 1, Registry{})
	if _, err := runner.Enqueue(context.Background(), "x", TaskSafetyNet, nil); err == nil {
		t.Fatal("expected error for unregistered task")
	}
}

func TestQueueFull(t *testing.T) {
	runner, _ := newRunner(t, 0, 1, Registry{TaskSafetyNet: noop})
	ctx := context.Background()
	if _, err := runner.Enqueue(ctx, "bucket-1", TaskSafetyNet, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Enqueue(ctx, "bucket-2", TaskSafetyNet, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestWorkersRunJobsAndKeepLogs(t *testing.T) {
	done := make(chan string, 1)
	reg := Registry{
		TaskDeliveryPoll: func(_ context.Context, exec ExecutionContext, subject string, _ map[string]any) error {
			exec.Logf("polled %s", subject)
			done <- subject
			return nil
		},
	}
	runner, st := newRunner(t, 1, 4, reg)
	ctx := context.Background()
	runner.Start(ctx)
	defer runner.Stop()

	job, err := runner.Enqueue(ctx, "2026-01-12T10:00", TaskDeliveryPoll, nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-done:
		if got != "2026-01-12T10:00" {
			t.Fatalf("subject = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.Job(ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == StatusSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	logs := runner.Logs(job.ID)
	if len(logs) != 1 {
		t.Fatalf("expected one log line, got %v", logs)
	}
	persisted, _ := st.JobLogs(ctx, job.ID)
	if len(persisted) != 1 || persisted[0] != "polled 2026-01-12T10:00" {
		t.Fatalf("persisted logs = %v", persisted)
	}
}
