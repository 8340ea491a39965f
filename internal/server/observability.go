// Package server exposes the daemon's operational surfaces: an HTTP
// observability server (metrics, health, agent status, profiling) and a
// gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AgentStatus is the slice of the agent the status endpoint reports on.
type AgentStatus interface {
	PublicKey() string
	LiveConversations() []string
}

// ObservabilityServer serves Prometheus metrics, liveness/readiness
// probes, a JSON agent status endpoint and pprof.
type ObservabilityServer struct {
	srv     *http.Server
	log     zerolog.Logger
	agent   AgentStatus
	ready   atomic.Bool
	started time.Time
}

// NewObservabilityServer wires the handler set for one agent.
func NewObservabilityServer(port int, agent AgentStatus, log zerolog.Logger) *ObservabilityServer {
	o := &ObservabilityServer{
		log:     log,
		agent:   agent,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", o.handleHealth)
	mux.HandleFunc("/readyz", o.handleReady)
	mux.HandleFunc("/status", o.handleStatus)

	// pprof: the index and the four special handlers, then the named
	// profiles.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, profile := range []string{"heap", "goroutine", "threadcreate", "block", "mutex", "allocs"} {
		mux.Handle("/debug/pprof/"+profile, pprof.Handler(profile))
	}

	o.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return o
}

// SetReady flips the readiness probe. The daemon turns it on once the
// agent's subscriptions are open and off again during shutdown.
func (o *ObservabilityServer) SetReady(ready bool) {
	o.ready.Store(ready)
}

func (o *ObservabilityServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (o *ObservabilityServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if !o.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStatus reports the agent identity and its armed conversations.
func (o *ObservabilityServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	live := o.agent.LiveConversations()
	writeJSON(w, http.StatusOK, map[string]any{
		"pubkey":             o.agent.PublicKey(),
		"live_conversations": live,
		"live_count":         len(live),
		"uptime_seconds":     int64(time.Since(o.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Start serves until Shutdown.
func (o *ObservabilityServer) Start() error {
	o.log.Info().
		Str("addr", o.srv.Addr).
		Msg("observability server listening")

	if err := o.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("observability server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server.
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info().Msg("observability server shutting down")
	return o.srv.Shutdown(ctx)
}
