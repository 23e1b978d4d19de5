// Package api provides the HTTP admin surface of a pinning node: pin
// management, replication status, policy updates and snapshot transfer.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/logging"
	"github.com/pinstack/pinstack/pkg/types"
)

// Node is the daemon surface the API serves. Implemented by daemon.Core.
type Node interface {
	types.PinQuerier

	Pin(ctx context.Context, id types.ContentID, payload []byte) error
	Unpin(ctx context.Context, id types.ContentID) error
	Fetch(ctx context.Context, id types.ContentID) ([]byte, error)
	ReplicationStatus() types.ReplicationStatus
	UpdatePolicy(p types.ReplicationPolicy) error
	ExportSnapshot(w io.Writer, backend types.BackendID) error
	ImportSnapshot(ctx context.Context, r io.Reader, target types.BackendID) (int, error)
	CacheStats() types.CacheStats
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// MaxPayloadBytes bounds the request body accepted on pin uploads.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "localhost:9651",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxPayloadBytes: 256 * 1024 * 1024,
	}
}

// Server exposes a Node over HTTP.
type Server struct {
	httpServer *http.Server
	node       Node
	config     ServerConfig
	logger     *zap.Logger
}

// NewServer builds the API server around a node.
func NewServer(config ServerConfig, node Node, logger *zap.Logger) *Server {
	if config.Address == "" {
		config.Address = DefaultServerConfig().Address
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = DefaultServerConfig().MaxPayloadBytes
	}

	s := &Server{
		node:   node,
		config: config,
		logger: logging.OrNop(logger).Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/cache", s.handleCacheStats)
	mux.HandleFunc("/v1/pins", s.handlePins)
	mux.HandleFunc("/v1/pins/", s.handlePin)
	mux.HandleFunc("/v1/policy", s.handlePolicy)
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground serves in a goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.node.ReplicationStatus())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.node.CacheStats())
}

func (s *Server) handlePins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pins := s.node.ListPins()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(pins),
		"pins":  pins,
	})
}

// handlePin serves /v1/pins/{cid} and /v1/pins/{cid}/content.
func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/pins/")
	id, wantContent := strings.CutSuffix(rest, "/content")
	if id == "" || strings.Contains(id, "/") {
		s.respondError(w, http.StatusNotFound, "unknown resource")
		return
	}
	cid := types.ContentID(id)

	switch {
	case wantContent && r.Method == http.MethodGet:
		payload, err := s.node.Fetch(r.Context(), cid)
		if err != nil {
			s.respondNodeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)

	case r.Method == http.MethodGet:
		rec, err := s.node.GetPin(cid)
		if err != nil {
			s.respondNodeError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, rec)

	case r.Method == http.MethodPost || r.Method == http.MethodPut:
		payload, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxPayloadBytes+1))
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		if int64(len(payload)) > s.config.MaxPayloadBytes {
			s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		if err := s.node.Pin(r.Context(), cid, payload); err != nil {
			s.respondNodeError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, map[string]interface{}{
			"content_id": cid,
			"size_bytes": len(payload),
		})

	case r.Method == http.MethodDelete:
		if err := s.node.Unpin(r.Context(), cid); err != nil {
			s.respondNodeError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"content_id": cid,
			"removed":    true,
		})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var policy types.ReplicationPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		s.respondError(w, http.StatusBadRequest, "unreadable policy")
		return
	}
	if err := s.node.UpdatePolicy(policy); err != nil {
		s.respondNodeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"version": policy.Version,
		"staged":  true,
	})
}

// handleSnapshot serves /v1/snapshot. The optional backend query parameter
// scopes an export to one backend, or targets an import at one.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	backend := types.BackendID(r.URL.Query().Get("backend"))
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		if err := s.node.ExportSnapshot(w, backend); err != nil {
			s.logger.Error("snapshot export failed", zap.Error(err))
			s.respondNodeError(w, err)
		}
	case http.MethodPost:
		imported, err := s.node.ImportSnapshot(r.Context(), r.Body, backend)
		if err != nil {
			s.respondNodeError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"imported": imported,
		})
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// respondNodeError maps structured error codes to HTTP statuses.
func (s *Server) respondNodeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodePinNotFound, errors.ErrCodeObjectNotFound, errors.ErrCodeBackendUnknown:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidConfig, errors.ErrCodeSnapshotDecode:
		status = http.StatusBadRequest
	case errors.ErrCodeShuttingDown:
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error": message,
	})
}
