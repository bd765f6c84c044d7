// Package server implements Memory Crystal's dead-drop relay: a blob store
// addressable by channel and id that never decrypts, never parses payloads
// beyond metadata, and never cross-references channels. It is the untrusted
// transport the relay client (internal/relay/client) and mirror protocol
// (internal/mirror) synchronise corpora across.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/memorycrystal/crystal/internal/audit"
	"github.com/memorycrystal/crystal/internal/metrics"
)

// Channels enumerates the only valid dead-drop channels.
var Channels = []string{"conversations", "mirror"}

func isValidChannel(ch string) bool {
	for _, c := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Server is the HTTP handler set for the dead drop.
type Server struct {
	store       BlobStore
	auth        Authenticator
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	audit       audit.Logger
	rateLimiter RateLimiter
}

// New creates a dead-drop server. audit may be nil to disable audit logging.
// Rate limiting defaults to NoopRateLimiter; call SetRateLimiter to enforce
// a per-token cap against Redis.
func New(store BlobStore, auth Authenticator, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger) *Server {
	return &Server{store: store, auth: auth, logger: logger, metrics: m, audit: auditLogger, rateLimiter: NoopRateLimiter{}}
}

// SetRateLimiter installs rl as the bearer-token rate limiter. Passing nil
// restores NoopRateLimiter.
func (s *Server) SetRateLimiter(rl RateLimiter) {
	if rl == nil {
		rl = NoopRateLimiter{}
	}
	s.rateLimiter = rl
}

// RegisterRoutes wires the dead-drop endpoints onto r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.bearerAuth)
	protected.HandleFunc("/drop/{channel}", s.handleDrop).Methods(http.MethodPost)
	protected.HandleFunc("/pickup/{channel}", s.handleList).Methods(http.MethodGet)
	protected.HandleFunc("/pickup/{channel}/{id}", s.handleFetch).Methods(http.MethodGet)
	protected.HandleFunc("/confirm/{channel}/{id}", s.handleConfirm).Methods(http.MethodDelete)
}

type agentIDKey struct{}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			http.Error(w, "missing bearer token", http.StatusForbidden)
			return
		}

		agentID, ok := s.auth.Authenticate(token)
		if !ok {
			http.Error(w, "unknown token", http.StatusForbidden)
			return
		}

		allowed, err := s.rateLimiter.Allow(r.Context(), token)
		if err != nil {
			s.logger.WithError(err).Warn("rate limiter unavailable, allowing request")
		} else if !allowed {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		ctx := context.WithValue(r.Context(), agentIDKey{}, agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func agentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"service": "crystal-relay",
		"mode":    "dead-drop",
	})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	channel := mux.Vars(r)["channel"]
	if !isValidChannel(channel) {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBlobSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	agentID := agentIDFromContext(r.Context())
	meta, err := s.store.Put(r.Context(), channel, agentID, body)
	duration := time.Since(start)
	if err != nil {
		s.logger.WithError(err).WithField("channel", channel).Warn("drop rejected")
		if s.metrics != nil {
			s.metrics.RecordRelayError("drop", channel, classifyPutError(err))
		}
		s.logDrop(r, channel, "", agentID, false, err, duration)
		status := http.StatusBadRequest
		if err == ErrTooLarge || err == ErrEmpty {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRelayOperation(r.Context(), "drop", channel, duration)
	}
	s.logDrop(r, channel, meta.ID, agentID, true, nil, duration)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"id":         meta.ID,
		"channel":    meta.Channel,
		"size":       meta.Size,
		"dropped_at": meta.DroppedAt,
	})
}

func classifyPutError(err error) string {
	switch err {
	case ErrEmpty:
		return "empty"
	case ErrTooLarge:
		return "too_large"
	default:
		return "internal_error"
	}
}

func (s *Server) logDrop(r *http.Request, channel, blobID, agentID string, success bool, err error, d time.Duration) {
	if s.audit == nil {
		return
	}
	s.audit.LogRelay(audit.EventTypeDrop, channel, blobID, r.RemoteAddr, r.UserAgent(), "", success, err, d)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	channel := mux.Vars(r)["channel"]
	if !isValidChannel(channel) {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	blobs, err := s.store.List(r.Context(), channel)
	if err != nil {
		http.Error(w, "failed to list channel", http.StatusInternalServerError)
		return
	}

	type blobSummary struct {
		ID        string    `json:"id"`
		Size      int64     `json:"size"`
		DroppedAt time.Time `json:"dropped_at"`
		AgentID   string    `json:"agent_id"`
	}
	summaries := make([]blobSummary, 0, len(blobs))
	for _, b := range blobs {
		summaries = append(summaries, blobSummary{ID: b.ID, Size: b.Size, DroppedAt: b.DroppedAt, AgentID: b.AgentID})
	}

	if s.metrics != nil {
		s.metrics.RecordRelayOperation(r.Context(), "list", channel, time.Since(start))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": channel,
		"count":   len(summaries),
		"blobs":   summaries,
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	channel, id := vars["channel"], vars["id"]
	if !isValidChannel(channel) {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	data, err := s.store.Get(r.Context(), channel, id)
	agentID := agentIDFromContext(r.Context())
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRelayError("pickup", channel, "not_found")
		}
		s.logPickup(r, channel, id, agentID, false, err, time.Since(start))
		http.NotFound(w, r)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRelayOperation(r.Context(), "pickup", channel, time.Since(start))
	}
	s.logPickup(r, channel, id, agentID, true, nil, time.Since(start))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) logPickup(r *http.Request, channel, blobID, agentID string, success bool, err error, d time.Duration) {
	if s.audit == nil {
		return
	}
	s.audit.LogRelay(audit.EventTypePickup, channel, blobID, r.RemoteAddr, r.UserAgent(), "", success, err, d)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	channel, id := vars["channel"], vars["id"]
	if !isValidChannel(channel) {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	err := s.store.Delete(r.Context(), channel, id)
	agentID := agentIDFromContext(r.Context())
	if err != nil {
		s.logConfirm(r, channel, id, agentID, false, err, time.Since(start))
		http.NotFound(w, r)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRelayOperation(r.Context(), "confirm", channel, time.Since(start))
	}
	s.logConfirm(r, channel, id, agentID, true, nil, time.Since(start))

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "deleted": true})
}

func (s *Server) logConfirm(r *http.Request, channel, blobID, agentID string, success bool, err error, d time.Duration) {
	if s.audit == nil {
		return
	}
	s.audit.LogRelay(audit.EventTypeConfirm, channel, blobID, r.RemoteAddr, r.UserAgent(), "", success, err, d)
}

// StartTTLSweep runs SweepExpired on an interval until ctx is cancelled. This
// is the safety net behind explicit confirm deletion, not the primary path.
func (s *Server) StartTTLSweep(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.SweepExpired(ctx, ttl)
				if err != nil {
					s.logger.WithError(err).Warn("ttl sweep failed")
					continue
				}
				if n > 0 {
					s.logger.WithField("removed", n).Info("ttl sweep removed expired blobs")
				}
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
