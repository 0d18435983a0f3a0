package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marketflow/internal/budget"
	"marketflow/internal/dispatch"
	"marketflow/internal/domain"
	"marketflow/internal/jobstore"
	"marketflow/internal/ratelimit"
)

// Server is the operator and producer surface: enqueue with admission
// control, queue pause/resume, dead-letter triage, budget inspection.
type Server struct {
	repo    jobstore.Repository
	limiter *ratelimit.Limiter
	gate    *budget.Gate
	reg     *dispatch.Registry
}

func NewServer(repo jobstore.Repository, limiter *ratelimit.Limiter, gate *budget.Gate, reg *dispatch.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{repo: repo, limiter: limiter, gate: gate, reg: reg}

	r.Get("/health", s.health)

	r.Post("/api/jobs", s.enqueueJob)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Post("/api/jobs/{id}/requeue", s.requeueJob)
	r.Delete("/api/jobs/{id}", s.deleteJob)

	r.Get("/api/queues", s.queueDepths)
	r.Post("/api/queues/{queue}/pause", s.pauseQueue)
	r.Post("/api/queues/{queue}/resume", s.resumeQueue)
	r.Get("/api/deadletter", s.listDeadLetter)

	r.Get("/api/budget/{provider}", s.budgetState)
	r.Post("/api/budget/{provider}/override", s.budgetOverride)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type enqueueReq struct {
	Queue          string          `json:"queue"`
	HandlerType    string          `json:"handler_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotency_key"`
	RunAt          *time.Time      `json:"run_at"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

// identity composes the admission key for this caller: the authenticated
// subject when the edge provides one, otherwise the remote address.
func identity(r *http.Request) string {
	if id := r.Header.Get("X-Identity"); id != "" {
		return id
	}
	return r.RemoteAddr
}

func tier(r *http.Request) domain.Tier {
	switch t := domain.Tier(r.Header.Get("X-Actor-Tier")); t {
	case domain.TierLoggedIn, domain.TierTrusted, domain.TierSystem:
		return t
	default:
		return domain.TierAnonymous
	}
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	dec, err := s.limiter.Check(r.Context(), identity(r), "enqueue", tier(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limited",
			"retry_after": int(dec.RetryAfter.Seconds()),
		})
		return
	}

	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.HandlerType == "" {
		http.Error(w, "handler_type is required", http.StatusBadRequest)
		return
	}
	q := domain.Queue(req.Queue)
	if req.Queue == "" {
		q = domain.QueueDefault
	}
	if !q.Valid() {
		http.Error(w, fmt.Sprintf("unknown queue %q", req.Queue), http.StatusBadRequest)
		return
	}
	runAt := time.Now().UTC()
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}

	id, err := s.repo.Enqueue(r.Context(), jobstore.EnqueueParams{
		Queue:          q,
		HandlerType:    req.HandlerType,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    s.reg.MaxAttemptsFor(req.HandlerType),
	})
	if errors.Is(err, domain.ErrPayloadTooLarge) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrJobNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}

func jobView(j domain.Job) map[string]any {
	v := map[string]any{
		"id":           j.ID,
		"queue":        string(j.Queue),
		"handler_type": j.HandlerType,
		"state":        string(j.State),
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"run_at":       j.RunAt.Format(time.RFC3339),
		"created_at":   j.CreatedAt.Format(time.RFC3339),
	}
	if j.LastError != nil {
		v["last_error"] = *j.LastError
	}
	if j.FailedAt != nil {
		v["failed_at"] = j.FailedAt.Format(time.RFC3339)
	}
	return v
}

func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	err := s.repo.Requeue(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrJobNotFound) {
		http.Error(w, "not found or not dead", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	err := s.repo.Delete(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrJobLeased):
		http.Error(w, "job is leased, wait for lease resolution", http.StatusConflict)
	case errors.Is(err, domain.ErrJobNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseQueue(w http.ResponseWriter, r *http.Request) (domain.Queue, bool) {
	q := domain.Queue(chi.URLParam(r, "queue"))
	if !q.Valid() {
		http.Error(w, fmt.Sprintf("unknown queue %q", q), http.StatusBadRequest)
		return "", false
	}
	return q, true
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQueue(w, r)
	if !ok {
		return
	}
	if err := s.repo.PauseQueue(r.Context(), q); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQueue(w, r)
	if !ok {
		return
	}
	if err := s.repo.ResumeQueue(r.Context(), q); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := s.repo.QueueDepths(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(domain.AllQueues))
	for _, q := range domain.AllQueues {
		paused, err := s.repo.IsPaused(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		states := map[string]int{}
		for st, n := range depths[q] {
			states[string(st)] = n
		}
		out = append(out, map[string]any{
			"queue":  string(q),
			"paused": paused,
			"depths": states,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listDeadLetter(w http.ResponseWriter, r *http.Request) {
	queue := domain.Queue(r.URL.Query().Get("queue"))
	if queue != "" && !queue.Valid() {
		http.Error(w, fmt.Sprintf("unknown queue %q", queue), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.repo.ListDeadLetter(r.Context(), queue, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) budgetState(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	c, err := s.gate.Counter(r.Context(), provider)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	action, err := s.gate.CurrentAction(r.Context(), provider)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month":        c.Month,
		"provider":     c.Provider,
		"total_units":  c.TotalUnits,
		"cost_cents":   c.CostCents,
		"limit_cents":  c.LimitCents,
		"percent_used": c.PercentUsed(),
		"action":       string(action),
	})
}

type overrideReq struct {
	LimitCents int64  `json:"limit_cents"`
	Reason     string `json:"reason"`
}

func (s *Server) budgetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.LimitCents <= 0 || req.Reason == "" {
		http.Error(w, "limit_cents and reason are required", http.StatusBadRequest)
		return
	}
	if err := s.gate.Override(r.Context(), chi.URLParam(r, "provider"), req.LimitCents, req.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
