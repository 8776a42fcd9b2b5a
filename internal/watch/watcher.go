// Package watch enqueues ingestion for ticket CSVs dropped into the
// uploads directory.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"autopilot/internal/config"
	"autopilot/internal/jobs"
	"autopilot/internal/store"

	"github.com/fsnotify/fsnotify"
)

// Enqueuer is the part of the job runner the watcher uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, subject string, task jobs.Task, params map[string]any) (*store.Job, error)
}

// Watcher monitors UPLOADS_DIR for new CSV files.
type Watcher struct {
	cfg    config.Config
	runner Enqueuer
}

func New(cfg config.Config, runner Enqueuer) *Watcher {
	return &Watcher{cfg: cfg, runner: runner}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		log.Println("watcher disabled")
		return nil
	}
	if err := os.MkdirAll(w.cfg.UploadsDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && IsUpload(evt.Name) {
					w.enqueue(ctx, evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(w.cfg.UploadsDir)
}

// IsUpload reports whether path looks like a ticket upload.
func IsUpload(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv") && !strings.HasPrefix(filepath.Base(path), ".")
}

// Backfill enqueues ingestion for uploads already present at boot.
func (w *Watcher) Backfill(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.cfg.UploadsDir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if IsUpload(e) {
			w.enqueue(ctx, e)
		}
	}
	return nil
}

// enqueue keys the job on name, size and modification time so a file
// replaced under the same name is ingested again.
func (w *Watcher) enqueue(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	params := map[string]any{
		"path":  path,
		"size":  info.Size(),
		"mtime": info.ModTime().UTC().Unix(),
	}
	if _, err := w.runner.Enqueue(ctx, filepath.Base(path), jobs.TaskIngestFile, params); err != nil {
		log.Printf("enqueue ingest %s: %v", path, err)
	}
}
