package api

import (
	"net/http"
	"time"

	"github.com/calyptra/hubble/pkg/contextkeys"
	"github.com/calyptra/hubble/pkg/spawner"
	"github.com/calyptra/hubble/pkg/users"
)

// userModel is the public view of a user, including the state of their
// single-user server.
type userModel struct {
	Name         string          `json:"name"`
	Admin        bool            `json:"admin"`
	Roles        []string        `json:"roles,omitempty"`
	Groups       []string        `json:"groups,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity *time.Time      `json:"last_activity,omitempty"`
	Server       *spawner.Record `json:"server,omitempty"`
}

func (s *Server) userView(u *users.User) *userModel {
	m := &userModel{
		Name:      u.Name,
		Admin:     u.Admin,
		Roles:     u.Roles,
		Groups:    u.Groups,
		CreatedAt: u.CreatedAt,
	}
	if !u.LastActivity.IsZero() {
		la := u.LastActivity
		m.LastActivity = &la
	}
	if rec := s.supervisor.Get(u.Name); rec.State != spawner.StateStopped || rec.URL != "" {
		m.Server = rec
	}
	return m
}

// serviceModel is the public view of a registered service
type serviceModel struct {
	Name      string    `json:"name"`
	Admin     bool      `json:"admin"`
	Roles     []string  `json:"roles,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func serviceView(svc *users.Service) *serviceModel {
	return &serviceModel{
		Name:      svc.Name,
		Admin:     svc.Admin,
		Roles:     svc.Roles,
		URL:       svc.URL,
		CreatedAt: svc.CreatedAt,
	}
}

func contextRequestID(r *http.Request) string {
	return contextkeys.GetRequestID(r.Context())
}
