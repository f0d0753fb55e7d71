package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"notifyrelay/internal/clock"
	"notifyrelay/internal/delivery"
	"notifyrelay/internal/dispatcher"
	"notifyrelay/internal/domain"
	"notifyrelay/internal/events"
	"notifyrelay/internal/metrics"
	"notifyrelay/internal/push"
	"notifyrelay/internal/store"
)

const maxBodyBytes = 1 << 20

// Ticker runs one dispatcher pass on demand.
type Ticker interface {
	Tick(ctx context.Context) dispatcher.Report
}

type Options struct {
	Store    store.Store
	Sender   delivery.Sender
	Push     push.Sender // nil disables /api/push/send
	Ticker   Ticker
	Events   events.Publisher
	Clock    clock.Clock
	Location *time.Location
}

type Server struct {
	r    *chi.Mux
	opts Options
}

func NewServer(opts Options) http.Handler {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{Loc: opts.Location}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, opts: opts}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/email/send", s.sendEmail)
		r.Post("/email/schedule", s.createSchedule)
		r.Get("/email/schedule", s.listSchedules)
		r.Get("/email/schedule/{id}", s.getSchedule)
		r.Get("/email/schedule/{id}/attempts", s.listAttempts)
		r.Delete("/email/schedule/{id}", s.cancelSchedule)
		r.Post("/scheduler/tick", s.tick)
		r.Post("/push/send", s.sendPush)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type sendResp struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
}

func (s *Server) sendEmail(w http.ResponseWriter, r *http.Request) {
	raw, err := readEmail(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	receipt, err := s.opts.Sender.Send(r.Context(), raw)
	if err != nil {
		metrics.ImmediateSends.WithLabelValues("email", "error").Inc()
		log.Error().Err(err).Msg("immediate email send failed")
		http.Error(w, "failed to send email: "+err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.ImmediateSends.WithLabelValues("email", "ok").Inc()
	writeJSON(w, http.StatusOK, sendResp{Success: true, MessageID: receipt.MessageID})
}

// readEmail returns the request body once it decodes as a valid email.
func readEmail(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := delivery.DecodeEmail(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

type scheduleReq struct {
	Email    json.RawMessage `json:"email"`
	Schedule scheduleSpec    `json:"schedule"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Email) == 0 {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}
	if _, err := delivery.DecodeEmail(req.Email); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def, err := req.Schedule.definition(s.opts.Location)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.opts.Store.Create(r.Context(), def, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.SchedulesCreated.WithLabelValues(string(rec.Definition.Kind)).Inc()
	s.publish(r.Context(), events.ScheduleCreated, rec)
	log.Info().Str("schedule_id", rec.ID).Str("kind", string(rec.Definition.Kind)).Time("next_fire_at", *rec.NextFireAt).Msg("email scheduled")
	writeJSON(w, http.StatusCreated, rec)
}

type listResp struct {
	Schedules []domain.ScheduledEmail `json:"schedules"`
	Count     int                     `json:"count"`
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	recs, err := s.opts.Store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.ScheduledEmail{}
	}
	writeJSON(w, http.StatusOK, listResp{Schedules: recs, Count: len(recs)})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.opts.Store.Attempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, changed, err := s.opts.Store.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if changed {
		metrics.SchedulesCancelled.Inc()
		s.publish(r.Context(), events.ScheduleCancelled, rec)
		log.Info().Str("schedule_id", id).Msg("schedule cancelled")
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ticker == nil {
		http.Error(w, "dispatcher not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Ticker.Tick(r.Context()))
}

type pushResp struct {
	Success bool `json:"success"`
	push.Result
}

func (s *Server) sendPush(w http.ResponseWriter, r *http.Request) {
	if s.opts.Push == nil {
		http.Error(w, push.ErrNotConfigured.Error(), http.StatusServiceUnavailable)
		return
	}
	var n push.Notification
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.opts.Push.Send(r.Context(), n)
	if err != nil {
		metrics.ImmediateSends.WithLabelValues("push", "error").Inc()
		log.Error().Err(err).Msg("push send failed")
		http.Error(w, "failed to send push notification: "+err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.ImmediateSends.WithLabelValues("push", "ok").Inc()
	writeJSON(w, http.StatusOK, pushResp{Success: true, Result: res})
}

func (s *Server) publish(ctx context.Context, t events.Type, rec domain.ScheduledEmail) {
	e := events.FromRecord(t, rec, s.opts.Clock.Now())
	if err := s.opts.Events.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("schedule_id", rec.ID).Str("event", string(t)).Msg("failed to publish event")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidSchedule):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyTerminal):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
