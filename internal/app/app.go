package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"autopilot/internal/archive"
	"autopilot/internal/config"
	"autopilot/internal/contest"
	"autopilot/internal/delivery"
	"autopilot/internal/events"
	"autopilot/internal/httpapi"
	"autopilot/internal/ingest"
	"autopilot/internal/jobs"
	"autopilot/internal/lifecycle"
	"autopilot/internal/mail"
	"autopilot/internal/notify"
	"autopilot/internal/pipeline"
	"autopilot/internal/safetynet"
	"autopilot/internal/store"
	"autopilot/internal/violation"
	"autopilot/internal/watch"
)

// App wires the ticket pipeline, the background workers and the API.
type App struct {
	cfg      config.Config
	store    *store.Store
	runner   *jobs.Runner
	watcher  *watch.Watcher
	bus      *events.Bus
	notifier notify.Notifier
	mux      *http.ServeMux
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if cfg.MailingDisabled {
		log.Printf("mailing disabled by configuration")
	}

	catalog, err := violation.LoadCatalog(cfg.TemplatesPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	sender := newSender(cfg)
	bus := events.NewBus()
	notifier := notify.New(cfg)
	dispatcher := delivery.NewDispatcher(cfg, st, sender, arch)
	tracker := delivery.NewTracker(st, sender, bus)
	ing := ingest.NewService(cfg, st, dispatcher, catalog)

	registry := pipeline.BuildRegistry(cfg, pipeline.Services{
		Ingest:    ing,
		SafetyNet: safetynet.NewSweeper(cfg, st, dispatcher, notifier),
		Tracker:   tracker,
	})
	runner := jobs.NewRunner(cfg, st, registry)
	watcher := watch.New(cfg, runner)
	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, st, runner, httpapi.Services{
		Ingest:     ing,
		Lifecycle:  lifecycle.NewService(st, cfg.ContestWindowDays),
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Contest:    contest.NewService(cfg, st, arch),
	})
	router.Register(mux)
	return &App{cfg: cfg, store: st, runner: runner, watcher: watcher, bus: bus, notifier: notifier, mux: mux}, nil
}

// newSender picks Lob when a key is set. Outside production a missing
// key falls back to the dry-run sender so the pipeline can be exercised
// locally.
func newSender(cfg config.Config) mail.Sender {
	if cfg.LobAPIKey == "" && cfg.Environment != "production" {
		log.Printf("LOB_API_KEY not set; using dry-run mail sender")
		return mail.NewDryRun()
	}
	return mail.NewLob(cfg, nil)
}

// Run starts workers, watcher, scheduler and the HTTP server.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.runner.Start(ctx)
	defer a.runner.Stop()
	if a.cfg.EnableWatcher {
		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
		if err := a.watcher.Backfill(ctx); err != nil {
			log.Printf("backfill uploads: %v", err)
		}
	}
	go a.schedule(ctx)
	go a.notifyDeliveries(ctx, a.bus.Subscribe())

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// schedule enqueues the safety net and the delivery poll once per
// interval. The bucket subject keeps one job per task per interval.
func (a *App) schedule(ctx context.Context) {
	if a.cfg.SchedulerIntervalSec <= 0 {
		log.Printf("scheduler disabled")
		return
	}
	interval := time.Duration(a.cfg.SchedulerIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.tick(ctx, config.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) tick(ctx context.Context, now time.Time) {
	subject := BucketSubject(now, time.Duration(a.cfg.SchedulerIntervalSec)*time.Second)
	for _, task := range []jobs.Task{jobs.TaskSafetyNet, jobs.TaskDeliveryPoll} {
		if _, err := a.runner.Enqueue(ctx, subject, task, map[string]any{}); err != nil {
			log.Printf("scheduler enqueue %s: %v", task, err)
		}
	}
}

// BucketSubject names the scheduler interval now falls into.
func BucketSubject(now time.Time, interval time.Duration) string {
	if interval <= 0 {
		interval = time.Minute
	}
	return "tick:" + now.UTC().Truncate(interval).Format(time.RFC3339)
}

// notifyDeliveries tells users when their letter reached the hearing
// office or came back.
func (a *App) notifyDeliveries(ctx context.Context, sub <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			sc, ok := ev.(events.StatusChanged)
			if !ok {
				continue
			}
			msg, ok := a.deliveryMessage(ctx, sc)
			if !ok {
				continue
			}
			res := notify.Fanout(ctx, a.notifier, []notify.Message{msg}, 1)
			if res.Failed > 0 {
				log.Printf("notify delivery letter=%s failed", sc.LetterID)
			}
		}
	}
}

func (a *App) deliveryMessage(ctx context.Context, sc events.StatusChanged) (notify.Message, bool) {
	number := sc.TicketID
	if t, err := a.store.Ticket(ctx, sc.TicketID); err == nil {
		number = t.TicketNumber
	}
	switch delivery.State(sc.To) {
	case delivery.Delivered:
		return notify.Message{UserID: sc.UserID, Kind: "letter_delivered", Text: fmt.Sprintf("Your contest letter for ticket %s was delivered.", number)}, true
	case delivery.Returned:
		return notify.Message{UserID: sc.UserID, Kind: "letter_returned", Text: fmt.Sprintf("Your contest letter for ticket %s was returned to sender. We will follow up.", number)}, true
	}
	return notify.Message{}, false
}

func (a *App) Runner() *jobs.Runner { return a.runner }
func (a *App) Store() *store.Store   { return a.store }
func (a *App) Mux() *http.ServeMux   { return a.mux }
