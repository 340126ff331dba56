package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/auth"
	"github.com/calyptra/hubble/pkg/httputil"
	"github.com/calyptra/hubble/pkg/middleware"
)

// oauthStateCookie carries the CSRF state between the OAuth redirect
// and the callback.
const oauthStateCookie = "hubble-oauth-state"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  *userModel `json:"user"`
	Token string     `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	session, err := s.gateway.Login(r.Context(), auth.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		s.record(r, audit.NewEvent(audit.ActionLoginFailed, req.Username, ""))
		switch {
		case errors.Is(err, auth.ErrAuthRejected), errors.Is(err, auth.ErrInvalidUsername):
			httputil.WriteUnauthorized(w)
		case errors.Is(err, auth.ErrNotWhitelisted):
			httputil.WriteForbidden(w)
		default:
			s.logger.WithError(err).Error("login pipeline failed")
			httputil.WriteInternalError(w)
		}
		return
	}

	s.setSessionCookie(w, session)
	s.record(r, audit.NewEvent(audit.ActionLogin, session.User.Name, ""))
	httputil.WriteSuccess(w, loginResponse{
		User:  s.userView(session.User),
		Token: session.RawToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.WriteUnauthorized(w)
		return
	}

	if err := s.gateway.Logout(r.Context(), authCtx.Token.ID); err != nil {
		s.logger.WithError(err).Error("session revocation failed")
		httputil.WriteInternalError(w)
		return
	}

	s.clearSessionCookie(w, authCtx.Principal.Name)
	s.record(r, audit.NewEvent(audit.ActionLogout, authCtx.Principal.Name, ""))
	httputil.WriteNoContent(w)
}

// handleOAuthLogin redirects the browser to the identity provider
func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/hub/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oidc.AuthCodeURL(state), http.StatusFound)
}

// handleOAuthCallback finishes the code exchange and admits the user
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		httputil.WriteBadRequest(w, "oauth state mismatch")
		return
	}

	authed, err := s.oidc.HandleCallback(r.Context(), r)
	if err != nil {
		s.record(r, audit.NewEvent(audit.ActionLoginFailed, "", "").WithDetail("flow", "oidc"))
		s.logger.WithError(err).Warn("oauth callback rejected")
		httputil.WriteUnauthorized(w)
		return
	}

	session, err := s.gateway.Admit(r.Context(), authed)
	if err != nil {
		s.record(r, audit.NewEvent(audit.ActionLoginFailed, authed.Name, "").WithDetail("flow", "oidc"))
		if errors.Is(err, auth.ErrNotWhitelisted) {
			httputil.WriteForbidden(w)
			return
		}
		s.logger.WithError(err).Error("oauth admit failed")
		httputil.WriteInternalError(w)
		return
	}

	s.setSessionCookie(w, session)
	s.record(r, audit.NewEvent(audit.ActionLogin, session.User.Name, "").WithDetail("flow", "oidc"))
	http.Redirect(w, r, "/hub/", http.StatusFound)
}

// setSessionCookie scopes the session to /hub/ so single-user servers
// never see hub credentials. A second cookie carries the same opaque
// token under the user's own prefix so requests to their server can
// authenticate back against the hub.
func (s *Server) setSessionCookie(w http.ResponseWriter, session *auth.Session) {
	for _, cookie := range []*http.Cookie{
		{Name: middleware.SessionCookie, Path: "/hub/"},
		{Name: "hubble-user-" + session.User.Name, Path: "/user/" + session.User.Name + "/"},
	} {
		cookie.Value = session.RawToken
		cookie.HttpOnly = true
		cookie.Secure = s.config.SecureCookies
		cookie.SameSite = http.SameSiteLaxMode
		if session.Token.ExpiresAt != nil {
			cookie.Expires = *session.Token.ExpiresAt
		}
		http.SetCookie(w, cookie)
	}
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, username string) {
	for _, cookie := range []*http.Cookie{
		{Name: middleware.SessionCookie, Path: "/hub/"},
		{Name: "hubble-user-" + username, Path: "/user/" + username + "/"},
	} {
		cookie.MaxAge = -1
		cookie.HttpOnly = true
		cookie.Secure = s.config.SecureCookies
		http.SetCookie(w, cookie)
	}
}
