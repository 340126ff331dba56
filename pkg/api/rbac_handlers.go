package api

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/rbac"
)

// roleModel is the public view of a role; scopes render in their
// canonical "action:resource[!key=value]" form.
type roleModel struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Scopes      []string  `json:"scopes"`
	Users       []string  `json:"users,omitempty"`
	Groups      []string  `json:"groups,omitempty"`
	Services    []string  `json:"services,omitempty"`
	Builtin     bool      `json:"builtin,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func roleView(role *rbac.Role) *roleModel {
	scopes := make([]string, 0, len(role.Scopes))
	for _, s := range role.Scopes {
		scopes = append(scopes, s.String())
	}
	return &roleModel{
		Name:        role.Name,
		Description: role.Description,
		Scopes:      scopes,
		Users:       role.Users,
		Groups:      role.Groups,
		Services:    role.Services,
		Builtin:     role.Builtin,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.engine.Store().ListRoles(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("role listing failed")
		httputil.WriteInternalError(w)
		return
	}
	out := make([]*roleModel, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleView(role))
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": out})
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := s.engine.Store().GetRole(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, rbac.ErrRoleNotFound) {
			httputil.WriteNotFoundError(w, "role not found")
			return
		}
		s.logger.WithError(err).Error("role lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, roleView(role))
}

type roleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Scopes      []string `json:"scopes"`
	Users       []string `json:"users,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	Services    []string `json:"services,omitempty"`
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "role name is required")
		return
	}
	scopes, err := rbac.ParseScopes(req.Scopes)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	role := &rbac.Role{
		Name:        req.Name,
		Description: req.Description,
		Scopes:      scopes,
		Users:       req.Users,
		Groups:      req.Groups,
		Services:    req.Services,
	}
	if err := s.engine.Store().CreateRole(r.Context(), role); err != nil {
		if errors.Is(err, rbac.ErrRoleExists) {
			httputil.WriteConflict(w, "role already exists")
			return
		}
		s.logger.WithError(err).Error("role creation failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionRoleChanged, actorName(r), role.Name).
		WithDetail("change", "created"))
	httputil.WriteCreated(w, roleView(role))
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	existing, err := s.engine.Store().GetRole(r.Context(), name)
	if err != nil {
		if errors.Is(err, rbac.ErrRoleNotFound) {
			httputil.WriteNotFoundError(w, "role not found")
			return
		}
		s.logger.WithError(err).Error("role lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	if existing.Builtin {
		httputil.WriteBadRequest(w, "builtin roles cannot be modified")
		return
	}

	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	scopes, err := rbac.ParseScopes(req.Scopes)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	existing.Description = req.Description
	existing.Scopes = scopes
	existing.Users = req.Users
	existing.Groups = req.Groups
	existing.Services = req.Services
	if err := s.engine.Store().UpdateRole(r.Context(), existing); err != nil {
		s.logger.WithError(err).Error("role update failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionRoleChanged, actorName(r), name).
		WithDetail("change", "updated"))
	httputil.WriteSuccess(w, roleView(existing))
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	existing, err := s.engine.Store().GetRole(r.Context(), name)
	if err != nil {
		if errors.Is(err, rbac.ErrRoleNotFound) {
			httputil.WriteNotFoundError(w, "role not found")
			return
		}
		s.logger.WithError(err).Error("role lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	if existing.Builtin {
		httputil.WriteBadRequest(w, "builtin roles cannot be deleted")
		return
	}

	if err := s.engine.Store().DeleteRole(r.Context(), name); err != nil {
		s.logger.WithError(err).Error("role deletion failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionRoleChanged, actorName(r), name).
		WithDetail("change", "deleted"))
	httputil.WriteNoContent(w)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.engine.Store().ListGroups(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("group listing failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"groups": groups})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.engine.Store().GetGroup(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, rbac.ErrGroupNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("group lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, group)
}

type groupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "group name is required")
		return
	}

	group := &rbac.Group{Name: req.Name, Members: req.Members}
	if err := s.engine.Store().CreateGroup(r.Context(), group); err != nil {
		if errors.Is(err, rbac.ErrGroupExists) {
			httputil.WriteConflict(w, "group already exists")
			return
		}
		s.logger.WithError(err).Error("group creation failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionGroupChanged, actorName(r), group.Name).
		WithDetail("change", "created"))
	httputil.WriteCreated(w, group)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	group, err := s.engine.Store().GetGroup(r.Context(), name)
	if err != nil {
		if errors.Is(err, rbac.ErrGroupNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("group lookup failed")
		httputil.WriteInternalError(w)
		return
	}

	var req groupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	group.Members = req.Members
	if err := s.engine.Store().UpdateGroup(r.Context(), group); err != nil {
		s.logger.WithError(err).Error("group update failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionGroupChanged, actorName(r), name).
		WithDetail("change", "updated"))
	httputil.WriteSuccess(w, group)
}

type groupMembersRequest struct {
	Users []string `json:"users"`
}

func (s *Server) handleAddGroupMembers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	group, err := s.engine.Store().GetGroup(r.Context(), name)
	if err != nil {
		if errors.Is(err, rbac.ErrGroupNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("group lookup failed")
		httputil.WriteInternalError(w)
		return
	}

	var req groupMembersRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	for _, u := range req.Users {
		if !slices.Contains(group.Members, u) {
			group.Members = append(group.Members, u)
		}
	}
	if err := s.engine.Store().UpdateGroup(r.Context(), group); err != nil {
		s.logger.WithError(err).Error("group update failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionGroupChanged, actorName(r), name).
		WithDetail("change", "members_added"))
	httputil.WriteSuccess(w, group)
}

func (s *Server) handleRemoveGroupMembers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	group, err := s.engine.Store().GetGroup(r.Context(), name)
	if err != nil {
		if errors.Is(err, rbac.ErrGroupNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("group lookup failed")
		httputil.WriteInternalError(w)
		return
	}

	var req groupMembersRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	group.Members = slices.DeleteFunc(group.Members, func(m string) bool {
		return slices.Contains(req.Users, m)
	})
	if err := s.engine.Store().UpdateGroup(r.Context(), group); err != nil {
		s.logger.WithError(err).Error("group update failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionGroupChanged, actorName(r), name).
		WithDetail("change", "members_removed"))
	httputil.WriteSuccess(w, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := s.engine.Store().DeleteGroup(r.Context(), name); err != nil {
		if errors.Is(err, rbac.ErrGroupNotFound) {
			httputil.WriteNotFoundError(w, "group not found")
			return
		}
		s.logger.WithError(err).Error("group deletion failed")
		httputil.WriteInternalError(w)
		return
	}
	s.engine.InvalidateAll()

	s.record(r, audit.NewEvent(audit.ActionGroupChanged, actorName(r), name).
		WithDetail("change", "deleted"))
	httputil.WriteNoContent(w)
}
