// Package jobs runs background tasks on a fixed worker pool. Tasks are
// persisted with an idempotency key so a repeated enqueue is a no-op.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"autopilot/internal/config"
	"autopilot/internal/metrics"
	"autopilot/internal/store"
)

// Status values for jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Task names a kind of background work.
type Task string

const (
	TaskIngestFile   Task = "INGEST_FILE"
	TaskSafetyNet    Task = "SAFETY_NET"
	TaskDeliveryPoll Task = "DELIVERY_POLL"
)

// ErrQueueFull is returned when the in-memory queue cannot take a job.
var ErrQueueFull = errors.New("job queue full")

// ExecutionContext bundles what a task needs.
type ExecutionContext struct {
	Cfg   config.Config
	Store *store.Store
	JobID int64
	Logf  func(format string, args ...any)
}

// TaskFunc runs one job. subject is what the job is about: a file name
// or a schedule bucket.
type TaskFunc func(ctx context.Context, exec ExecutionContext, subject string, params map[string]any) error

// Registry maps tasks to implementations.
type Registry map[Task]TaskFunc

// Runner executes jobs using a worker pool.
type Runner struct {
	cfg       config.Config
	store     *store.Store
	reg       Registry
	queue     chan *store.Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	logMu     sync.Mutex
	logBuffer map[int64][]string
}

// NewRunner constructs a runner.
func NewRunner(cfg config.Config, st *store.Store, reg Registry) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		queue:     make(chan *store.Job, cfg.QueueSize),
		logBuffer: make(map[int64][]string),
	}
}

// Start spins up the worker pool.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Stop waits for workers to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue inserts a job unless one with the same subject, task and
// params already exists, in which case the existing job is returned.
func (r *Runner) Enqueue(ctx context.Context, subject string, task Task, params map[string]any) (*store.Job, error) {
	if _, ok := r.reg[task]; !ok {
		return nil, fmt.Errorf("unknown task %s", task)
	}
	payload, _ := json.Marshal(params)
	now := config.Now()
	job := &store.Job{
		Subject:        subject,
		Task:           string(task),
		Status:         StatusQueued,
		ParamsJSON:     string(payload),
		IdempotencyKey: IdempotencyKey(subject, task, params),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	select {
	case r.queue <- j:
		return j, nil
	default:
		_ = r.store.MarkJobFinished(ctx, j.ID, StatusFailed, config.Now())
		return nil, ErrQueueFull
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *store.Job) {
	fn, ok := r.reg[Task(job.Task)]
	if !ok {
		r.appendLog(job.ID, "no handler for task")
		_ = r.store.MarkJobFinished(ctx, job.ID, StatusFailed, config.Now())
		metrics.IncFailed()
		return
	}
	_ = r.store.MarkJobStarted(ctx, job.ID, config.Now())
	exec := ExecutionContext{
		Cfg:   r.cfg,
		Store: r.store,
		JobID: job.ID,
		Logf:  func(format string, args ...any) { r.appendLog(job.ID, fmt.Sprintf(format, args...)) },
	}
	params := map[string]any{}
	_ = json.Unmarshal([]byte(job.ParamsJSON), &params)
	if err := fn(ctx, exec, job.Subject, params); err != nil {
		r.appendLog(job.ID, "error: "+err.Error())
		log.Printf("job %d %s %s failed: %v", job.ID, job.Task, job.Subject, err)
		_ = r.store.MarkJobFinished(ctx, job.ID, StatusFailed, config.Now())
		metrics.IncFailed()
		return
	}
	_ = r.store.MarkJobFinished(ctx, job.ID, StatusSucceeded, config.Now())
	metrics.IncSucceeded()
}

func (r *Runner) appendLog(jobID int64, msg string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	ts := config.Now()
	_ = r.store.AppendJobLog(context.Background(), jobID, msg, ts)
	r.logBuffer[jobID] = append(r.logBuffer[jobID], fmt.Sprintf("%s %s", ts.Format(time.RFC3339), msg))
	if len(r.logBuffer[jobID]) > 200 {
		r.logBuffer[jobID] = r.logBuffer[jobID][len(r.logBuffer[jobID])-200:]
	}
}

// Logs returns the in-memory log tail of a job run by this process.
func (r *Runner) Logs(jobID int64) []string {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	return append([]string(nil), r.logBuffer[jobID]...)
}

// IdempotencyKey hashes subject, task and params.
func IdempotencyKey(subject string, task Task, params map[string]any) string {
	payload, _ := json.Marshal(params)
	h := sha256.Sum256([]byte(subject + string(task) + string(payload)))
	return hex.EncodeToString(h[:])
}
