package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/spawner"
	"github.com/calyptra/hubble/pkg/users"
)

// handleStartServer brings the named user's server to Running. The
// request blocks until the server is ready or the start window expires;
// concurrent requests for the same user coalesce into one spawn.
func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.users.GetUser(r.Context(), name); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		s.logger.WithError(err).Error("user lookup failed")
		httputil.WriteInternalError(w)
		return
	}

	rec, err := s.supervisor.Start(r.Context(), name)
	if err != nil {
		s.record(r, audit.NewEvent(audit.ActionServerFailed, actorName(r), name).
			WithDetail("error", err.Error()))
		switch {
		case errors.Is(err, spawner.ErrAlreadyStopping):
			httputil.WriteConflict(w, "server is stopping, retry shortly")
		case errors.Is(err, spawner.ErrSpawnTimeout):
			httputil.WriteErrorMessage(w, http.StatusGatewayTimeout, "server did not become ready in time")
		default:
			s.logger.WithError(err).WithField("user", name).Error("server start failed")
			httputil.WriteErrorMessage(w, http.StatusBadGateway, "server failed to start")
		}
		return
	}

	s.record(r, audit.NewEvent(audit.ActionServerStart, actorName(r), name))
	httputil.WriteCreated(w, rec)
}

// handleStopServer stops the named user's server. Stopping a stopped
// server succeeds so clients can retry safely.
func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.supervisor.Stop(r.Context(), name); err != nil {
		s.logger.WithError(err).WithField("user", name).Error("server stop failed")
		httputil.WriteInternalError(w)
		return
	}

	s.record(r, audit.NewEvent(audit.ActionServerStop, actorName(r), name))
	httputil.WriteNoContent(w)
}
