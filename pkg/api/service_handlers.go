package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/auth"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	list, err := s.users.ListServices(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("service listing failed")
		httputil.WriteInternalError(w)
		return
	}
	out := make([]*serviceModel, 0, len(list))
	for _, svc := range list {
		out = append(out, serviceView(svc))
	}
	httputil.WriteSuccess(w, map[string]interface{}{"services": out})
}

type createServiceRequest struct {
	Name  string   `json:"name"`
	Admin bool     `json:"admin"`
	Roles []string `json:"roles,omitempty"`
	URL   string   `json:"url,omitempty"`
}

type createServiceResponse struct {
	Service *serviceModel `json:"service"`
	Token   string        `json:"token"`
}

// handleCreateService registers a service and mints its API token. The
// raw token appears only in this response.
func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !auth.ValidUsername(req.Name) {
		httputil.WriteBadRequest(w, "invalid service name")
		return
	}

	svc := &users.Service{
		Name:  req.Name,
		Admin: req.Admin,
		Roles: req.Roles,
		URL:   req.URL,
	}
	if err := s.users.CreateService(r.Context(), svc); err != nil {
		if errors.Is(err, users.ErrServiceExists) {
			httputil.WriteConflict(w, "service already exists")
			return
		}
		s.logger.WithError(err).Error("service creation failed")
		httputil.WriteInternalError(w)
		return
	}

	_, raw, err := s.tokens.Issue(r.Context(), token.OwnerRef{Name: svc.Name, Service: true},
		token.KindService, 0, "service token")
	if err != nil {
		s.logger.WithError(err).Error("service token minting failed")
		httputil.WriteInternalError(w)
		return
	}

	s.record(r, audit.NewEvent(audit.ActionUserCreated, actorName(r), svc.Name).
		WithDetail("kind", "service"))
	httputil.WriteCreated(w, createServiceResponse{Service: serviceView(svc), Token: raw})
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.users.GetService(r.Context(), name); err != nil {
		if errors.Is(err, users.ErrServiceNotFound) {
			httputil.WriteNotFoundError(w, "service not found")
			return
		}
		s.logger.WithError(err).Error("service lookup failed")
		httputil.WriteInternalError(w)
		return
	}

	if err := s.tokens.RevokeAllFor(r.Context(), token.OwnerRef{Name: name, Service: true}); err != nil {
		s.logger.WithError(err).WithField("service", name).Warn("token revocation during delete failed")
	}
	if err := s.users.DeleteService(r.Context(), name); err != nil {
		s.logger.WithError(err).Error("service deletion failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.Invalidate(name, true)

	s.record(r, audit.NewEvent(audit.ActionUserDeleted, actorName(r), name).
		WithDetail("kind", "service"))
	httputil.WriteNoContent(w)
}
