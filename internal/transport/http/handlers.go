package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/rld013/arrival-rate-server/internal/archive"
	"github.com/rld013/arrival-rate-server/internal/arrival"
	"github.com/rld013/arrival-rate-server/internal/config"
	"github.com/rld013/arrival-rate-server/internal/consumer"
	"github.com/rld013/arrival-rate-server/internal/metrics"
	"github.com/rld013/arrival-rate-server/internal/node"
	"github.com/rld013/arrival-rate-server/internal/registry"
	"github.com/rld013/arrival-rate-server/internal/scheduler"
)

// Handler groups the HTTP request handlers around a schedule registry.
type Handler struct {
	cfg      config.ScheduleConfig
	reg      *registry.Registry
	pacer    *scheduler.Pacer
	consumer *consumer.Manager
	archive  *archive.Archive  // nil when archiving is disabled
	metrics  *metrics.Registry // nil when metrics are disabled
	node     *node.Node
	version  string
	log      zerolog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

// scheduleResp is an Info snapshot tagged with the schedule's name.
type scheduleResp struct {
	Name string `json:"name"`
	arrival.Info
}

type putReq struct {
	ArrivalRate *float64 `json:"arrival_rate"`
	Duration    *float64 `json:"duration"`
	Renew       *bool    `json:"renew"`
}

type startReq struct {
	Delay float64 `json:"delay"`
}

type ungetReq struct {
	Arrival *float64 `json:"arrival"`
}

type waitResp struct {
	Status  arrival.Outcome `json:"status"`
	Arrival *float64        `json:"arrival"`
	Delay   *float64        `json:"delay"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscribeResp struct {
	ID string `json:"id"`
}

type healthResp struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Schedules int    `json:"schedules"`
	Uptime    string `json:"uptime"`
	UptimeMs  int64  `json:"uptime_ms"`
	Version   string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	up := h.node.Uptime()
	writeJSON(w, http.StatusOK, healthResp{
		Status:    "ok",
		NodeID:    h.node.ID().String(),
		Schedules: h.reg.Len(),
		Uptime:    up.Round(time.Second).String(),
		UptimeMs:  up.Milliseconds(),
		Version:   h.version,
	})
}

// ─── Schedule management ──────────────────────────────────────────────────────

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries := h.reg.List()
	out := make([]scheduleResp, 0, len(entries))
	for _, e := range entries {
		out = append(out, scheduleResp{Name: e.Name, Info: e.Schedule.Info()})
	}
	writeJSON(w, http.StatusOK, out)
}

// putSchedule creates or replaces a schedule. Parameters come from a JSON body
// or from form/query values; missing ones use the configured defaults.
// "If-None-Match: *" turns replacement into a conflict.
func (h *Handler) putSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "schedule")
	if !registry.ValidateName(name) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", registry.ErrInvalidName, name))
		return
	}

	req, ok := h.decodePut(w, r)
	if !ok {
		return
	}
	rate, duration, renew := h.cfg.DefaultRate, h.cfg.DefaultDuration, h.cfg.Renew
	if req.ArrivalRate != nil {
		rate = *req.ArrivalRate
	}
	if req.Duration != nil {
		duration = *req.Duration
	}
	if req.Renew != nil {
		renew = *req.Renew
	}

	id, err := node.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	opts := []arrival.Option{
		arrival.WithID(id),
		arrival.WithMaxArrivals(h.cfg.MaxArrivals),
		arrival.WithRenew(renew),
	}
	if h.cfg.Seed != 0 {
		opts = append(opts, arrival.WithSource(arrival.NewSource(h.cfg.Seed)))
	}
	s, err := arrival.New(rate, duration, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if r.Header.Get("If-None-Match") == "*" {
		if _, err := h.reg.Create(name, s); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	} else {
		old, err := h.reg.Put(name, s)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if old != nil {
			h.retire(old, archive.ReasonReplaced)
		}
	}
	if h.metrics != nil {
		h.metrics.ScheduleCreated()
	}

	h.log.Info().
		Str("schedule", name).
		Str("id", id).
		Float64("rate", rate).
		Float64("duration", duration).
		Int("arrivals", s.ArrivalCount()).
		Bool("renew", renew).
		Msg("schedule created")
	writeJSON(w, http.StatusOK, scheduleResp{Name: name, Info: s.Info()})
}

func (h *Handler) decodePut(w http.ResponseWriter, r *http.Request) (putReq, bool) {
	var req putReq
	if isJSON(r) {
		return req, decodeJSON(w, r, &req)
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	var err error
	if req.ArrivalRate, err = formFloat(r, "arrival_rate"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if req.Duration, err = formFloat(r, "duration"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if v := r.Form.Get("renew"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("renew: %w", err))
			return req, false
		}
		req.Renew = &b
	}
	return req, true
}

// deleteSchedule removes a schedule and answers with its last snapshot, or
// {"schedule": null} when there was nothing to remove.
func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "schedule")
	e, err := h.reg.Delete(name)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"schedule": nil})
		return
	}
	info := e.Schedule.Info()
	h.retire(e, archive.ReasonDeleted)
	h.pacer.Forget(name)

	h.log.Info().Str("schedule", name).Msg("schedule deleted")
	writeJSON(w, http.StatusOK, scheduleResp{Name: name, Info: info})
}

// retire archives a schedule that left the registry and stops everything
// still bound to it.
func (h *Handler) retire(e *registry.Entry, reason archive.Reason) {
	info := e.Schedule.Info()
	e.Schedule.Stop()
	if h.consumer != nil {
		h.consumer.DropSchedule(e.Schedule)
	}
	if h.archive == nil {
		return
	}
	if _, err := h.archive.Write(e.Name, reason, info); err != nil {
		h.log.Error().Err(err).Str("schedule", e.Name).Msg("archive write failed")
	}
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	name, s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, scheduleResp{Name: name, Info: s.Info()})
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// start force-starts a schedule, optionally delaying the epoch by "delay"
// seconds given in the query, form or JSON body.
func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	name, s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var delay float64
	if isJSON(r) && r.ContentLength != 0 {
		var req startReq
		if !decodeJSON(w, r, &req) {
			return
		}
		delay = req.Delay
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		v, err := formFloat(r, "delay")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if v != nil {
			delay = *v
		}
	}
	if delay < 0 || math.IsInf(delay, 0) || math.IsNaN(delay) || delay > arrival.MaxDurationSeconds {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("delay must be between 0 and %.0f seconds", arrival.MaxDurationSeconds),
		})
		return
	}

	s.Start(true, arrival.Seconds(delay))
	h.log.Info().Str("schedule", name).Float64("delay", delay).Msg("schedule started")
	writeJSON(w, http.StatusOK, scheduleResp{Name: name, Info: s.Info()})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	name, s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	s.Stop()
	h.log.Info().Str("schedule", name).Int("remaining", s.Len()).Msg("schedule stopped")
	writeJSON(w, http.StatusOK, scheduleResp{Name: name, Info: s.Info()})
}

// ─── Arrivals ─────────────────────────────────────────────────────────────────

// wait blocks until the next arrival is due and reports it with the outcome's
// status code: 200 on time, 418 missed, 410 done. If the client disconnects
// first, or the response cannot be flushed, the arrival goes back into the
// schedule.
func (h *Handler) wait(w http.ResponseWriter, r *http.Request) {
	name, s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	a, err := h.pacer.Next(r.Context(), name, s)
	if err != nil {
		// The client went away; the pacer already returned the arrival.
		return
	}

	resp := waitResp{Status: a.Outcome}
	if a.Delivered() {
		off, d := a.Offset, a.Delay.Seconds()
		resp.Arrival, resp.Delay = &off, &d
	}
	if err := writeJSONFlush(w, a.Outcome.HTTPStatus(), resp); err != nil {
		h.log.Warn().Err(err).Str("schedule", name).Msg("wait response not delivered")
		h.pacer.Return(name, s, a)
	}
}

func (h *Handler) unget(w http.ResponseWriter, r *http.Request) {
	name, s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var offset *float64
	if isJSON(r) {
		var req ungetReq
		if !decodeJSON(w, r, &req) {
			return
		}
		offset = req.Arrival
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var err error
		if offset, err = formFloat(r, "arrival"); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if offset == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "arrival is required"})
		return
	}

	if err := s.Unget(*offset); err != nil {
		h.log.Warn().Err(err).Str("schedule", name).Float64("arrival", *offset).Msg("unget rejected")
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResp{Name: name, Info: s.Info()})
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	name, s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}

	sub, err := h.consumer.Register(name, s, req.URL, req.Secret)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResp{ID: sub.ID})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	name, _, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.consumer.List(name))
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.consumer.Deregister(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Archive ──────────────────────────────────────────────────────────────────

// listArchive returns archived snapshots, newest first. Query: limit
// (default 50). An empty list is returned when archiving is disabled.
func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusOK, []archive.Record{})
		return
	}
	recs, err := h.archive.List(parseIntParam(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// getArchived returns a single archived snapshot by record ID.
func (h *Handler) getArchived(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.archive == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", archive.ErrNotFound, id))
		return
	}
	rec, err := h.archive.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// lookup resolves the {schedule} URL parameter, answering 404 itself when the
// schedule does not exist.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (string, *arrival.Schedule, bool) {
	name := chi.URLParam(r, "schedule")
	e, err := h.reg.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return name, nil, false
	}
	return name, e.Schedule, true
}

// statusFor maps package sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, consumer.ErrSubscriptionNotFound),
		errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, consumer.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, arrival.ErrOutOfRange),
		errors.Is(err, arrival.ErrQueueFull):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// formFloat parses an optional float form/query value. A nil result means the
// key was absent.
func formFloat(r *http.Request, key string) (*float64, error) {
	v := r.Form.Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &f, nil
}

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONFlush is writeJSON that also pushes the bytes to the client and
// reports failure, for responses whose loss must be noticed.
func writeJSONFlush(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return err
	}
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
