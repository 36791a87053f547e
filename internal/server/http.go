package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skypro1111/rtsp-session-core/internal/config"
	"github.com/skypro1111/rtsp-session-core/internal/conn"
	"github.com/skypro1111/rtsp-session-core/internal/metrics"
	"github.com/skypro1111/rtsp-session-core/internal/protocol"
	"github.com/skypro1111/rtsp-session-core/internal/session"
)

// Service identity reported by the admin API and the command line
const (
	ServiceName    = protocol.ServerName
	ServiceVersion = "1.0.0"
)

// HTTPServer provides the admin API for monitoring and management
type HTTPServer struct {
	server  *http.Server
	router  chi.Router
	logger  *slog.Logger
	config  *config.Config
	core    *Server
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the admin API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, core *Server, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		core:      core,
		metrics:   m,
		startTime: time.Now(),
	}

	h.router = h.routes()
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestLogger(h.logger))

	// Prometheus scrapes are not counted as API requests.
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RequestMetrics(h.metrics))

		r.Get("/", h.handleRoot)
		r.Get("/health", h.handleHealth)
		r.Get("/config", h.handleConfig)
		r.Get("/stats", h.handleStats)
		r.Get("/workers", h.handleWorkers)
		r.Route("/connections", func(r chi.Router) {
			r.Get("/", h.handleConnections)
			r.Get("/{id}", h.handleConnectionDetail)
			r.Delete("/{id}", h.handleConnectionKick)
		})
	})

	return r
}

// Handler returns the router, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.core.Stats()

	status := "healthy"
	if stats.Connections >= stats.MaxConnections {
		status = "saturated"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    ServiceName,
			"version": ServiceVersion,
		},
		"components": map[string]interface{}{
			"acceptor": map[string]interface{}{
				"status":          "running",
				"connections":     stats.Connections,
				"max_connections": stats.MaxConnections,
			},
			"liveness": map[string]interface{}{
				"policy": stats.Policy,
			},
			"workers": map[string]interface{}{
				"isolation": stats.Isolation,
				"active":    stats.Workers,
			},
		},
	})
}

// handleConnections implements GET /connections
func (h *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	infos := h.core.Connections()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_connections": len(infos),
		"timestamp":         time.Now().UTC(),
		"connections":       infos,
	})
}

// connectionDetail is a connection snapshot with its sessions
type connectionDetail struct {
	conn.Info
	SessionList []session.Info `json:"session_list"`
}

// handleConnectionDetail implements GET /connections/{id}
func (h *HTTPServer) handleConnectionDetail(w http.ResponseWriter, r *http.Request) {
	c, ok := h.core.Conn(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	detail := connectionDetail{Info: c.Info(), SessionList: []session.Info{}}
	for _, s := range c.Sessions() {
		detail.SessionList = append(detail.SessionList, s.Info())
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleConnectionKick implements DELETE /connections/{id}
func (h *HTTPServer) handleConnectionKick(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.core.Kick(id) {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"reason": conn.ReasonAdminKick,
	})
}

// handleWorkers implements GET /workers
func (h *HTTPServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	slots := h.core.Workers()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_workers": len(slots),
		"timestamp":     time.Now().UTC(),
		"workers":       slots,
	})
}

// handleStats implements GET /stats
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"server":    h.core.Stats(),
	})
}

// handleConfig implements GET /config
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]interface{}{
			"bind_address":     h.config.Server.BindAddress,
			"port":             h.config.Server.Port,
			"max_connections":  h.config.Server.MaxConnections,
			"read_buffer_size": h.config.Server.ReadBufferSize,
			"max_input_size":   h.config.Server.MaxInputSize,
			"write_timeout":    h.config.Server.WriteTimeout,
		},
		"liveness": map[string]interface{}{
			"policy":            h.config.Liveness.Policy,
			"soft_timeout":      h.config.Liveness.SoftTimeout,
			"hard_timeout":      h.config.Liveness.HardTimeout,
			"sweep_interval":    h.config.Liveness.GetSweepIntervalDuration().Seconds(),
			"heartbeat_enabled": h.config.Liveness.HeartbeatEnabled,
			"heartbeat_timeout": h.config.Liveness.HeartbeatTimeout,
		},
		"worker": map[string]interface{}{
			"isolation":     h.config.Worker.Isolation,
			"poll_interval": h.config.Worker.PollInterval,
			"rtp_port_min":  h.config.Worker.RTPPortMin,
			"rtp_port_max":  h.config.Worker.RTPPortMax,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleRoot implements GET / with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": ServiceName,
		"version": ServiceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /connections":         "List admitted connections",
			"GET /connections/{id}":    "Connection detail with sessions",
			"DELETE /connections/{id}": "Request connection teardown",
			"GET /workers":             "Worker process slots",
			"GET /stats":               "Acceptor statistics",
			"GET /config":              "Effective configuration",
			"GET /metrics":             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
