// Package pipeline binds background tasks to the services that do the
// work.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"autopilot/internal/config"
	"autopilot/internal/delivery"
	"autopilot/internal/ingest"
	"autopilot/internal/jobs"
	"autopilot/internal/mail"
	"autopilot/internal/safetynet"
)

// ProcessedDir is where ingested uploads are moved, under UPLOADS_DIR.
const ProcessedDir = "processed"

// Services are the task implementations' collaborators.
type Services struct {
	Ingest    *ingest.Service
	SafetyNet *safetynet.Sweeper
	Tracker   *delivery.Tracker
}

// BuildRegistry wires every task.
func BuildRegistry(cfg config.Config, svc Services) jobs.Registry {
	return jobs.Registry{
		jobs.TaskIngestFile:   ingestFileTask(cfg, svc.Ingest),
		jobs.TaskSafetyNet:    safetyNetTask(svc.SafetyNet),
		jobs.TaskDeliveryPoll: deliveryPollTask(cfg, svc.Tracker),
	}
}

func ingestFileTask(cfg config.Config, svc *ingest.Service) jobs.TaskFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, subject string, params map[string]any) error {
		path, _ := params["path"].(string)
		if path == "" {
			path = filepath.Join(cfg.UploadsDir, subject)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		rows, rowErrs, err := ingest.ReadCSV(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", subject, err)
		}
		for _, e := range rowErrs {
			exec.Logf("parse: %v", e)
		}
		res := svc.Process(ctx, rows)
		exec.Logf("ingested %s processed=%d created=%d generated=%d mailed=%d held=%d skipped=%d errors=%d",
			subject, res.Processed, res.TicketsCreated, res.LettersGenerated, res.LettersMailed, res.NeedsApproval, res.Skipped, len(res.Errors))
		for _, e := range res.Errors {
			exec.Logf("row: %s", e)
		}
		return moveProcessed(cfg.UploadsDir, path)
	}
}

func moveProcessed(uploadsDir, path string) error {
	dir := filepath.Join(uploadsDir, ProcessedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

func safetyNetTask(sw *safetynet.Sweeper) jobs.TaskFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, subject string, _ map[string]any) error {
		sum, err := sw.Run(ctx, config.Now())
		if err != nil {
			return err
		}
		exec.Logf("safety net %s candidates=%d sent=%d failed=%d missed=%d blocked=%t", subject, sum.Candidates, sum.Sent, sum.Failed, sum.Missed, sum.Blocked)
		return nil
	}
}

func deliveryPollTask(cfg config.Config, tr *delivery.Tracker) jobs.TaskFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, subject string, _ map[string]any) error {
		sum, err := tr.Poll(ctx, cfg.PollLimit)
		if mail.IsNotConfigured(err) {
			exec.Logf("delivery poll %s skipped: mail provider not configured", subject)
			return nil
		}
		if err != nil {
			return err
		}
		exec.Logf("delivery poll %s checked=%d applied=%d errors=%d", subject, sum.Checked, sum.Applied, sum.Errors)
		return nil
	}
}
