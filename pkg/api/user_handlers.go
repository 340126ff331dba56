package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/auth"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/middleware"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

// handleCurrentUser answers "who am I" for the presented token
func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w)
		return
	}

	if authCtx.Principal.Service && authCtx.Token.Owner.Service {
		svc, err := s.users.GetService(r.Context(), authCtx.Principal.Name)
		if err != nil {
			httputil.WriteUnauthorized(w)
			return
		}
		httputil.WriteSuccess(w, serviceView(svc))
		return
	}

	user, err := s.users.GetUser(r.Context(), authCtx.Token.Owner.Name)
	if err != nil {
		httputil.WriteUnauthorized(w)
		return
	}
	httputil.WriteSuccess(w, s.userView(user))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.users.ListUsers(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("user listing failed")
		httputil.WriteInternalError(w)
		return
	}

	out := make([]*userModel, 0, len(list))
	for _, u := range list {
		out = append(out, s.userView(u))
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": out})
}

type createUserRequest struct {
	Name   string   `json:"name"`
	Admin  bool     `json:"admin"`
	Roles  []string `json:"roles,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !auth.ValidUsername(req.Name) {
		httputil.WriteBadRequest(w, "invalid username")
		return
	}

	user := &users.User{
		Name:   req.Name,
		Admin:  req.Admin,
		Roles:  req.Roles,
		Groups: req.Groups,
	}
	if err := s.users.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, users.ErrUserExists) {
			httputil.WriteConflict(w, "user already exists")
			return
		}
		s.logger.WithError(err).Error("user creation failed")
		httputil.WriteInternalError(w)
		return
	}

	s.record(r, audit.NewEvent(audit.ActionUserCreated, actorName(r), user.Name))
	httputil.WriteCreated(w, s.userView(user))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	user, err := s.users.GetUser(r.Context(), name)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		s.logger.WithError(err).Error("user lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, s.userView(user))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name == actorName(r) {
		httputil.WriteBadRequest(w, "cannot delete the requesting account")
		return
	}

	if _, err := s.users.GetUser(r.Context(), name); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		s.logger.WithError(err).Error("user lookup failed")
		httputil.WriteInternalError(w)
		return
	}

	// Teardown order: server first so its token revocation races nothing,
	// then the remaining tokens, then the record.
	if err := s.supervisor.Stop(r.Context(), name); err != nil {
		s.logger.WithError(err).WithField("user", name).Warn("server stop during delete failed")
	}
	if err := s.tokens.RevokeAllFor(r.Context(), token.OwnerRef{Name: name}); err != nil {
		s.logger.WithError(err).WithField("user", name).Warn("token revocation during delete failed")
	}
	if err := s.users.DeleteUser(r.Context(), name); err != nil {
		s.logger.WithError(err).Error("user deletion failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.Invalidate(name, false)

	s.record(r, audit.NewEvent(audit.ActionUserDeleted, actorName(r), name))
	httputil.WriteNoContent(w)
}

type activityRequest struct {
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// handleActivity receives activity reports from single-user servers,
// feeding the idle culler.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req activityRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	at := time.Now()
	if req.LastActivity != nil {
		at = *req.LastActivity
	}

	if err := s.users.TouchActivity(r.Context(), name, at); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		s.logger.WithError(err).Error("activity update failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}

// actorName is the authenticated principal behind the request
func actorName(r *http.Request) string {
	if authCtx := middleware.GetAuthContext(r); authCtx != nil {
		return authCtx.Principal.Name
	}
	return ""
}
