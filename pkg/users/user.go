package users

import (
	"time"

	"github.com/calyptra/hubble/pkg/rbac"
)

// User is a hub account created at first successful login or by an
// administrator ahead of time.
type User struct {
	Name         string    `json:"name"`
	Admin        bool      `json:"admin"`
	Roles        []string  `json:"roles,omitempty"`
	Groups       []string  `json:"groups,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Principal converts the user to the identity view the RBAC engine
// consumes.
func (u *User) Principal() rbac.Principal {
	return rbac.Principal{
		Name:   u.Name,
		Roles:  u.Roles,
		Groups: u.Groups,
		Admin:  u.Admin,
	}
}

// HasRole reports whether the user is directly assigned the role
func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Service is a non-human hub client, e.g. an idle culler or an external
// dashboard. Services authenticate with API tokens only and never own
// servers.
type Service struct {
	Name      string    `json:"name"`
	Roles     []string  `json:"roles,omitempty"`
	Admin     bool      `json:"admin"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal converts the service to the identity view the RBAC engine
// consumes.
func (s *Service) Principal() rbac.Principal {
	return rbac.Principal{
		Name:    s.Name,
		Roles:   s.Roles,
		Admin:   s.Admin,
		Service: true,
	}
}
