package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"option-arena/server/engine"
	"option-arena/server/llm"
	"option-arena/server/store"
)

const sessionCookie = "arena_session"

type server struct {
	store      store.Store
	step1      *engine.Step1
	step2      *engine.Step2
	report     *engine.Report
	adminToken string
}

func Router(st store.Store, gen llm.Generator, adminToken string) http.Handler {
	s := &server{
		store:      st,
		step1:      engine.NewStep1(st, gen),
		step2:      engine.NewStep2(st),
		report:     engine.NewReport(st),
		adminToken: adminToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/api/pair", s.handlePair)
	r.Post("/api/select", s.handleSelect)
	r.Post("/api/neither", s.handleNeither)
	r.Post("/api/manual", s.handleManual)
	r.Get("/api/results/session", s.handleSessionResults)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Get("/results/step1-popularity", s.handleStep1Popularity)
		r.Get("/results/step2-streaks", s.handleStep2Streaks)
		r.Get("/results/step2-final", s.handleStep2Final)
	})

	return r
}

// handlePair drives the phase state machine: disabled, complete (stored flag
// or freshly exhausted rounds), or the next pair for the active phase.
func (s *server) handlePair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.store.Config(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	if cfg.CurrentStep == store.StepDisabled {
		writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
		return
	}

	sessionKey := s.ensureSession(w, r)
	sess, err := s.store.GetOrCreateSession(ctx, sessionKey)
	if err != nil {
		httpError(w, err)
		return
	}
	// Completion is only trusted for the phase it was earned in; a phase
	// change re-derives it below.
	if sess.IsCompleted && sess.StepCompleted == cfg.CurrentStep {
		writeJSON(w, http.StatusOK, map[string]any{"status": "complete", "step": cfg.CurrentStep})
		return
	}

	var pair *engine.Pair
	if cfg.CurrentStep == store.StepGeneration {
		pair, err = s.step1.CurrentPair(ctx, sessionKey)
	} else {
		pair, err = s.step2.CurrentPair(ctx, sessionKey)
	}
	if err != nil {
		httpError(w, err)
		return
	}
	if pair == nil {
		sess.IsCompleted = true
		sess.StepCompleted = cfg.CurrentStep
		if err := s.store.SaveSession(ctx, sess); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "complete", "step": cfg.CurrentStep})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"step":              cfg.CurrentStep,
		"round":             sess.CurrentRound,
		"option_a":          pair.A,
		"option_b":          pair.B,
		"show_manual_input": cfg.CurrentStep == store.StepGeneration,
	})
}

func (s *server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Selected int64 `json:"selected"`
		Rejected int64 `json:"rejected"`
		Position *int  `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	cfg, err := s.store.Config(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	sessionKey, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	switch cfg.CurrentStep {
	case store.StepGeneration:
		err = s.step1.RecordSelection(ctx, sessionKey, req.Selected, req.Rejected, clientAddr(r))
	case store.StepSelection:
		err = s.step2.RecordSelection(ctx, sessionKey, req.Selected, req.Rejected, clientAddr(r), req.Position)
	default:
		http.Error(w, "experiment disabled", http.StatusConflict)
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded"})
}

func (s *server) handleNeither(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		OptionA int64 `json:"option_a"`
		OptionB int64 `json:"option_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if !s.requireStep(w, r, store.StepGeneration) {
		return
	}
	sessionKey, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	if err := s.step1.RecordNeither(ctx, sessionKey, req.OptionA, req.OptionB, clientAddr(r)); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded"})
}

func (s *server) handleManual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if !s.requireStep(w, r, store.StepGeneration) {
		return
	}
	sessionKey, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	opt, err := s.step1.SubmitManualOption(ctx, sessionKey, req.Text)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "option": opt})
}

func (s *server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionKey, ok := s.sessionKey(w, r)
	if !ok {
		return
	}
	streakOpt, streakLen, err := s.step2.StreakStats(ctx, sessionKey)
	if err != nil {
		httpError(w, err)
		return
	}
	winner, err := s.step2.FinalWinner(ctx, sessionKey)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streak":       map[string]any{"option": streakOpt, "count": streakLen},
		"final_winner": winner,
	})
}

//
// ===== admin =====
//

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if s.adminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.Config(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if cfg.CurrentStep < store.StepDisabled || cfg.CurrentStep > store.StepSelection {
		http.Error(w, "current_step must be 0, 1 or 2", http.StatusBadRequest)
		return
	}
	if cfg.RoundsCount < 0 {
		http.Error(w, "rounds_count must not be negative", http.StatusBadRequest)
		return
	}
	if err := s.store.SetConfig(r.Context(), cfg); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) handleStep1Popularity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.report.Step1Popularity(ctx, r.URL.Query().Get("client"))
	if err != nil {
		httpError(w, err)
		return
	}
	clients, err := s.report.DistinctClients(ctx, store.StepGeneration)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": counts, "clients": clients})
}

func (s *server) handleStep2Streaks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leaders, err := s.report.StreakLeaders(ctx, r.URL.Query().Get("client"))
	if err != nil {
		httpError(w, err)
		return
	}
	clients, err := s.report.DistinctClients(ctx, store.StepSelection)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaders": leaders, "clients": clients})
}

func (s *server) handleStep2Final(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	winners, err := s.report.FinalWinners(ctx, r.URL.Query().Get("client"))
	if err != nil {
		httpError(w, err)
		return
	}
	clients, err := s.report.DistinctClients(ctx, store.StepSelection)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"winners": winners, "clients": clients})
}

//
// ===== helpers =====
//

// ensureSession returns the session key cookie, minting one when absent.
func (s *server) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	key := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

// sessionKey reads the session cookie for vote endpoints, which must not
// mint sessions of their own.
func (s *server) sessionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		http.Error(w, "missing session cookie", http.StatusBadRequest)
		return "", false
	}
	return c.Value, true
}

func (s *server) requireStep(w http.ResponseWriter, r *http.Request, step int) bool {
	cfg, err := s.store.Config(r.Context())
	if err != nil {
		httpError(w, err)
		return false
	}
	if cfg.CurrentStep != step {
		http.Error(w, "not available in the current phase", http.StatusConflict)
		return false
	}
	return true
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func httpError(w http.ResponseWriter, err error) {
	var genErr *llm.GenerationError
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &genErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
