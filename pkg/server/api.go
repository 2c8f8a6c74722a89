package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davel-ai/gateway/pkg/cache"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/quota"
	"github.com/davel-ai/gateway/pkg/relay"
	"github.com/davel-ai/gateway/pkg/session"
)

// onLimited answers a request rejected by the quota middleware.
func (s *Server) onLimited(w http.ResponseWriter, r *http.Request, result *quota.Result) {
	quota.WriteHeaders(w, result)
	respondError(w, relay.AsError(quota.NewRateLimitError(result)), r.Header.Get(quota.SessionHeader))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in relay.Inbound
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageBytes)
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		respondError(w, relay.NewError(relay.CodeValidation, "request body must be a JSON chat message"), "")
		return
	}
	if in.SessionID == "" {
		in.SessionID = r.Header.Get(quota.SessionHeader)
	}

	client := relay.ClientInfoFrom(r, "", s.cfg.TrustProxyHeaders)
	env, err := s.deps.Relay.Handle(r.Context(), client, in)
	if err != nil {
		respondError(w, relay.AsError(err), in.SessionID)
		return
	}
	if env.Error != nil {
		respondJSON(w, statusFor(env.Error.Code), env.Frame())
		return
	}
	respondJSON(w, http.StatusOK, env.Frame())
}

// sessionFor loads the session in the URL for the calling address and
// writes the failure response when it cannot.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := s.deps.Sessions.Check(r.Context(), id, s.clientAddress(r))
	switch {
	case err == nil:
		return sess, true
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrEmptyID):
		respondError(w, relay.NewError(relay.CodeSessionNotFound, "session not found"), id)
	case errors.Is(err, session.ErrSessionInvalid):
		respondError(w, relay.NewError(relay.CodeInvalidSession, "session is not valid for this client"), id)
	default:
		respondError(w, relay.AsError(err), id)
	}
	return nil, false
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	s.deps.Sessions.Delete(r.Context(), sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLastEnvelope(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	env, found := s.deps.Relay.LastEnvelope(r.Context(), sess.ID)
	if !found {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no envelope cached for session"})
		return
	}
	respondJSON(w, http.StatusOK, env)
}

// Stats is the /api/stats payload.
type Stats struct {
	Sessions       session.Stats       `json:"sessions"`
	Cache          *cache.Stats        `json:"cache,omitempty"`
	Connections    int                 `json:"connections"`
	BoundSessions  int                 `json:"boundSessions"`
	LogSubscribers int                 `json:"logSubscribers"`
	Store          coordination.Status `json:"store"`
	GeneratedAt    int64               `json:"generatedAt"`
}

// handleStats serves a snapshot cached for the stats TTL. Connection
// counts are those of the process that built the snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var stats Stats
	if s.deps.Cache != nil {
		if found, _ := s.deps.Cache.Get(ctx, statsKey, &stats); found {
			respondJSON(w, http.StatusOK, &stats)
			return
		}
	}

	stats = Stats{
		Sessions:       s.deps.Sessions.Stats(ctx),
		LogSubscribers: s.logs.Len(),
		Store:          s.deps.Store.Status(),
		GeneratedAt:    time.Now().UnixMilli(),
	}
	if s.deps.Registry != nil {
		stats.Connections = s.deps.Registry.Len()
		stats.BoundSessions = s.deps.Registry.Sessions()
	}
	if s.deps.Cache != nil {
		cs := s.deps.Cache.Stats()
		stats.Cache = &cs
		if err := s.deps.Cache.Set(ctx, statsKey, &stats, s.deps.Cache.TTLFor(cache.TypeStats)); err != nil {
			s.logger.Warn("failed to cache stats", "error", err)
		}
	}
	respondJSON(w, http.StatusOK, &stats)
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Identifier) == "" {
		respondError(w, relay.NewError(relay.CodeValidation, "identifier is required"), "")
		return
	}
	deleted, err := s.deps.Quota.Reset(r.Context(), req.Identifier)
	if err != nil {
		respondError(w, relay.AsError(err), "")
		return
	}
	s.logger.Info("quota counters reset", "identifier", req.Identifier, "deleted", deleted)
	respondJSON(w, http.StatusOK, map[string]any{"identifier": req.Identifier, "deleted": deleted})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		respondError(w, relay.NewError(relay.CodeValidation, "pattern is required"), "")
		return
	}
	if s.deps.Cache == nil {
		respondJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "deleted": 0})
		return
	}
	deleted := s.deps.Cache.DeletePattern(r.Context(), pattern)
	s.logger.Info("cache entries invalidated", "pattern", pattern, "deleted", deleted)
	respondJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "deleted": deleted})
}

// handleHealth reports liveness and the last observed store mode without
// touching the store.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"store":  s.deps.Store.Mode().String(),
	})
}

// Readiness is the /ready payload.
type Readiness struct {
	Status string              `json:"status"`
	Store  coordination.Status `json:"store"`
	Cache  *cache.Health       `json:"cache,omitempty"`
}

// handleReady reports the store mode and cache health. Only draining
// answers 503; a degraded store is reported with 200.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := Readiness{Status: "ready"}

	if err := s.deps.Store.Ping(ctx); err != nil {
		ready.Status = "degraded"
	}
	ready.Store = s.deps.Store.Status()
	if s.deps.Cache != nil {
		h := s.deps.Cache.Health(ctx)
		ready.Cache = &h
		if !h.Healthy && ready.Status == "ready" {
			ready.Status = "degraded"
		}
	}

	status := http.StatusOK
	if s.draining.Load() {
		ready.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, &ready)
}
