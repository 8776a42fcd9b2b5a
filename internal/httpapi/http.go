package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/config"
	"autopilot/internal/contest"
	"autopilot/internal/delivery"
	"autopilot/internal/exhibit"
	"autopilot/internal/ingest"
	"autopilot/internal/jobs"
	"autopilot/internal/lifecycle"
	"autopilot/internal/metrics"
	"autopilot/internal/store"
)

// Services are the domain collaborators behind the API.
type Services struct {
	Ingest     *ingest.Service
	Lifecycle  *lifecycle.Service
	Dispatcher *delivery.Dispatcher
	Tracker    *delivery.Tracker
	Contest    *contest.Service
}

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	cfg    config.Config
	store  *store.Store
	runner *jobs.Runner
	svc    Services
}

func NewRouter(cfg config.Config, st *store.Store, runner *jobs.Runner, svc Services) *Router {
	return &Router{cfg: cfg, store: st, runner: runner, svc: svc}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tickets/ingest", r.ingest)
	mux.HandleFunc("GET /api/lifecycle", r.lifecycle)
	mux.HandleFunc("POST /api/webhooks/lob", r.lobWebhook)
	mux.HandleFunc("POST /api/letters/{id}/approve", r.approve)
	mux.HandleFunc("POST /api/letters/{id}/exhibits", r.exhibit)
	mux.HandleFunc("POST /api/tickets/{id}/evidence", r.evidence)
	mux.HandleFunc("POST /api/tickets/{id}/outcome", r.outcome)

	mux.HandleFunc("GET /ops/mailing", r.mailing)
	mux.HandleFunc("POST /ops/mailing", r.setMailing)
	mux.HandleFunc("POST /ops/safety-net", r.enqueueTask(jobs.TaskSafetyNet))
	mux.HandleFunc("POST /ops/delivery-poll", r.enqueueTask(jobs.TaskDeliveryPoll))
	mux.HandleFunc("GET /ops/jobs", r.jobs)
	mux.HandleFunc("GET /ops/jobs/{id}", r.jobDetail)
	mux.HandleFunc("GET /ops/jobs/{id}/logs", r.jobLogs)
	mux.HandleFunc("GET /ops/metrics", r.metrics)
	mux.HandleFunc("GET /ops/health", r.health)
}

func (r *Router) ingest(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Tickets []json.RawMessage `json:"tickets"`
	}
	if !decode(w, req, &body) {
		return
	}
	if body.Tickets == nil {
		http.Error(w, "tickets array required", http.StatusBadRequest)
		return
	}
	respondJSON(w, r.svc.Ingest.ProcessJSON(req.Context(), body.Tickets))
}

func (r *Router) lifecycle(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	dash, err := r.svc.Lifecycle.Dashboard(req.Context(), lifecycle.Filter{
		Search: q.Get("search"),
		Status: q.Get("status"),
		Stage:  q.Get("stage"),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, dash)
}

// lobEvent accepts Lob's nested webhook shape as well as a flat
// {provider_letter_id, event_type} body.
type lobEvent struct {
	EventType   json.RawMessage `json:"event_type"`
	DateCreated time.Time       `json:"date_created"`
	Body        struct {
		ID string `json:"id"`
	} `json:"body"`
	ProviderID string `json:"provider_letter_id"`
}

func (e lobEvent) providerEvent() delivery.ProviderEvent {
	ev := delivery.ProviderEvent{ProviderID: e.ProviderID, At: e.DateCreated}
	if ev.ProviderID == "" {
		ev.ProviderID = e.Body.ID
	}
	var nested struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.EventType, &nested); err == nil && nested.ID != "" {
		ev.Type = nested.ID
	} else {
		_ = json.Unmarshal(e.EventType, &ev.Type)
	}
	return ev
}

func (r *Router) lobWebhook(w http.ResponseWriter, req *http.Request) {
	var body lobEvent
	if !decode(w, req, &body) {
		return
	}
	res, err := r.svc.Tracker.HandleProviderEvent(req.Context(), body.providerEvent())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]any{"result": res})
}

func (r *Router) approve(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ApprovedBy string `json:"approved_by"`
	}
	if !decode(w, req, &body) {
		return
	}
	l, err := r.svc.Dispatcher.Approve(req.Context(), req.PathValue("id"), body.ApprovedBy)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, l)
}

func (r *Router) evidence(w http.ResponseWriter, req *http.Request) {
	var body contest.EvidenceInput
	if !decode(w, req, &body) {
		return
	}
	l, err := r.svc.Contest.RecordEvidence(req.Context(), req.PathValue("id"), body)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, l)
}

func (r *Router) outcome(w http.ResponseWriter, req *http.Request) {
	var body contest.OutcomeInput
	if !decode(w, req, &body) {
		return
	}
	o, err := r.svc.Contest.RecordOutcome(req.Context(), req.PathValue("id"), body)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, o)
}

// exhibit takes the image either as a multipart "image" field or as the
// raw request body.
func (r *Router) exhibit(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, exhibit.MaxUploadBytes+1<<20)
	src := req.Body
	by := req.URL.Query().Get("performed_by")
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		f, _, err := req.FormFile("image")
		if err != nil {
			http.Error(w, "image field required", http.StatusBadRequest)
			return
		}
		defer f.Close()
		src = f
		if v := req.FormValue("performed_by"); v != "" {
			by = v
		}
	}
	url, err := r.svc.Contest.AddExhibit(req.Context(), req.PathValue("id"), src, by)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"url": url})
}

func (r *Router) mailing(w http.ResponseWriter, req *http.Request) {
	disabled, err := r.store.MailingDisabled(req.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]any{
		"mailing_disabled": disabled || r.cfg.MailingDisabled,
		"stored":           disabled,
		"env_override":     r.cfg.MailingDisabled,
	})
}

func (r *Router) setMailing(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Disabled *bool `json:"disabled"`
	}
	if !decode(w, req, &body) {
		return
	}
	if body.Disabled == nil {
		http.Error(w, "disabled required", http.StatusBadRequest)
		return
	}
	if err := r.store.SetMailingDisabled(req.Context(), *body.Disabled); err != nil {
		respondError(w, err)
		return
	}
	log.Printf("mailing kill switch set disabled=%t", *body.Disabled)
	r.mailing(w, req)
}

func (r *Router) enqueueTask(task jobs.Task) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		subject := "manual:" + config.Now().Format(time.RFC3339)
		job, err := r.runner.Enqueue(req.Context(), subject, task, map[string]any{})
		if errors.Is(err, jobs.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	list, err := r.store.ListJobs(req.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, list)
}

func jobID(req *http.Request) (int64, error) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid job id", apperr.ErrValidation)
	}
	return id, nil
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	id, err := jobID(req)
	if err != nil {
		respondError(w, err)
		return
	}
	job, err := r.store.Job(req.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if job == nil {
		http.NotFound(w, req)
		return
	}
	respondJSON(w, job)
}

func (r *Router) jobLogs(w http.ResponseWriter, req *http.Request) {
	id, err := jobID(req)
	if err != nil {
		respondError(w, err)
		return
	}
	logs, err := r.store.JobLogs(req.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if len(logs) == 0 {
		logs = r.runner.Logs(id)
	}
	respondJSON(w, map[string]any{"job_id": id, "logs": logs})
}

func (r *Router) metrics(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, metrics.Snapshot())
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respondError(w http.ResponseWriter, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		log.Printf("http error: %v", err)
	}
	http.Error(w, err.Error(), code)
}

func respondJSON(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("respond json: %v", err)
	}
}
