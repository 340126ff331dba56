package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/token"
	"github.com/calyptra/hubble/pkg/users"
)

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	list, err := s.tokens.List(r.Context(), token.OwnerRef{Name: name})
	if err != nil {
		s.logger.WithError(err).Error("token listing failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tokens": list})
}

type createTokenRequest struct {
	Note      string `json:"note,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"` // seconds; 0 means no expiry
}

type createTokenResponse struct {
	Token  *token.Token `json:"token"`
	Secret string       `json:"secret"`
}

// handleCreateToken mints an API token for the named user. The raw
// value appears in this response and nowhere else.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req createTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ExpiresIn < 0 {
		httputil.WriteBadRequest(w, "expires_in must not be negative")
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

	ttl := time.Duration(req.ExpiresIn) * time.Second
	tok, raw, err := s.tokens.Issue(r.Context(), token.OwnerRef{Name: name}, token.KindAPI, ttl, req.Note)
	if err != nil {
		s.logger.WithError(err).Error("token minting failed")
		httputil.WriteInternalError(w)
		return
	}

	s.record(r, audit.NewEvent(audit.ActionTokenCreated, actorName(r), name).
		WithDetail("token_id", tok.ID))
	httputil.WriteCreated(w, createTokenResponse{Token: tok, Secret: raw})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, id := vars["name"], vars["id"]

	tok, err := s.tokens.Get(r.Context(), id)
	if err != nil || tok.Owner.Service || tok.Owner.Name != name {
		// Same answer for unknown IDs and IDs owned by someone else
		httputil.WriteNotFoundError(w, "token not found")
		return
	}

	if err := s.tokens.Revoke(r.Context(), id); err != nil {
		s.logger.WithError(err).Error("token revocation failed")
		httputil.WriteInternalError(w)
		return
	}

	s.record(r, audit.NewEvent(audit.ActionTokenRevoked, actorName(r), name).
		WithDetail("token_id", id))
	httputil.WriteNoContent(w)
}
