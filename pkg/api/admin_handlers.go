package api

import (
	"net/http"
	"strconv"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/spawner"
)

// handleListRoutes exposes the desired routing table for operators
func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{"routes": s.routes.Routes()})
}

// handleReconcileRoutes forces a reconciliation pass instead of waiting
// for the next scheduled one.
func (s *Server) handleReconcileRoutes(w http.ResponseWriter, r *http.Request) {
	if err := s.routes.Reconcile(r.Context()); err != nil {
		s.logger.WithError(err).Error("manual reconcile failed")
		httputil.WriteServiceUnavailable(w, "proxy unreachable")
		return
	}
	httputil.WriteAccepted(w, map[string]string{"status": "reconciled"})
}

// handleAuditLog serves the in-memory audit buffer, newest last.
// Durable history lives in the file and S3 sinks.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		httputil.WriteSuccess(w, map[string]interface{}{"events": []*audit.Event{}})
		return
	}

	var events []*audit.Event
	if actor := r.URL.Query().Get("actor"); actor != "" {
		events = s.auditLog.ByActor(actor)
	} else {
		events = s.auditLog.Events()
	}

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			httputil.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		if limit < len(events) {
			events = events[len(events)-limit:]
		}
	}

	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}

type infoResponse struct {
	Version        string `json:"version"`
	AuthBackend    string `json:"auth_backend"`
	SpawnerBackend string `json:"spawner_backend"`
	PublicURL      string `json:"public_url,omitempty"`
	ServersRunning int    `json:"servers_running"`
}

// handleInfo reports deployment facts any authenticated caller may see
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, rec := range s.supervisor.List() {
		if rec.State == spawner.StateRunning {
			running++
		}
	}
	httputil.WriteSuccess(w, infoResponse{
		Version:        s.config.Version,
		AuthBackend:    s.config.AuthBackend,
		SpawnerBackend: s.config.SpawnerBackend,
		PublicURL:      s.config.PublicURL,
		ServersRunning: running,
	})
}
