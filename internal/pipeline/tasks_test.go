package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autopilot/internal/config"
	"autopilot/internal/delivery"
	"autopilot/internal/events"
	"autopilot/internal/ingest"
	"autopilot/internal/jobs"
	"autopilot/internal/mail"
	"autopilot/internal/safetynet"
	"autopilot/internal/store"
)

func TestIngestFileTaskProcessesAndMovesUpload(t *testing.T) {
	cfg := config.Config{
		UploadsDir:        t.TempDir(),
		ContestTo:         config.DefaultContestTo,
		ContestWindowDays: 21,
		SafetyNetHours:    48,
		PollLimit:         10,
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.CreatePlate(ctx, &store.Plate{UserID: "u1", Plate: "ABC123", State: "IL", Active: true}); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(cfg.UploadsDir, "batch.csv")
	csv := "ticket_number,plate,state,violation_type,violation_date,amount\nT1,ABC123,IL,Street Cleaning,1/10/2026,60\n"
	if err := os.WriteFile(src, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	sender := mail.NewDryRun()
	d := delivery.NewDispatcher(cfg, st, sender, nil)
	reg := BuildRegistry(cfg, Services{
		Ingest:    ingest.NewService(cfg, st, d, nil),
		SafetyNet: safetynet.NewSweeper(cfg, st, d, nil),
		Tracker:   delivery.NewTracker(st, sender, events.NewBus()),
	})
	var logs []string
	exec := jobs.ExecutionContext{Cfg: cfg, Store: st, Logf: func(format string, args ...any) { logs = append(logs, fmt.Sprintf(format, args...)) }}

	if err := reg[jobs.TaskIngestFile](ctx, exec, "batch.csv", map[string]any{"path": src}); err != nil {
		t.Fatalf("ingest task: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.UploadsDir, ProcessedDir, "batch.csv")); err != nil {
		t.Fatalf("upload not moved: %v", err)
	}
	if len(sender.Sent()) != 1 {
		t.Fatalf("expected one letter mailed, got %d", len(sender.Sent()))
	}
	if len(logs) == 0 || !strings.Contains(logs[0], "created=1") {
		t.Fatalf("unexpected logs %v", logs)
	}

	for _, task := range []jobs.Task{jobs.TaskSafetyNet, jobs.TaskDeliveryPoll} {
		if err := reg[task](ctx, exec, "bucket", nil); err != nil {
			t.Fatalf("%s: %v", task, err)
		}
	}
}
