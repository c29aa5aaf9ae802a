package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cmv.health/internal/audit"
	"cmv.health/internal/auth"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/session"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type successMessage struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type message struct {
	Message string `json:"message"`
}

func (s *Service) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpapi.Bind(w, r, &req) {
		return
	}
	ev := s.event(r, "login")
	u, err := s.authn.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		if errors.Is(err, auth.ErrStoreUnavailable) {
			ev.Outcome = audit.OutcomeUnavailable
		}
		ev.Reason = err.Error()
		s.sink.Record(r.Context(), ev)
		httpapi.WriteAuthError(w, r, err)
		return
	}
	ev.UserID, ev.Role = u.ID, u.Role.Name

	if err := s.issuePair(r.Context(), w, u.ID); err != nil {
		ev.Outcome, ev.Reason = audit.OutcomeUnavailable, err.Error()
		s.sink.Record(r.Context(), ev)
		httpapi.WriteAuthError(w, r, s.storeErr(err))
		return
	}
	ev.Outcome = audit.OutcomeSuccess
	s.sink.Record(r.Context(), ev)
	httpapi.WriteJSON(w, http.StatusOK, successMessage{Success: true, Message: "Connexion réussie"})
}

// issuePair opens a session for userID and sets the access and refresh cookies.
func (s *Service) issuePair(ctx context.Context, w http.ResponseWriter, userID int64) error {
	sid, err := s.sessions.Create(ctx, userID)
	if err != nil {
		return err
	}
	sub := strconv.FormatInt(userID, 10)
	access, accessExp, err := s.tokens.IssueSession(sub, sid, s.set.AccessMaxAge)
	if err != nil {
		return err
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(sub, sid, s.set.RefreshMaxAge)
	if err != nil {
		return err
	}
	httpapi.SetTokenCookie(w, httpapi.AccessCookie, access, accessExp, s.set.CookieSecure)
	httpapi.SetTokenCookie(w, httpapi.RefreshCookie, refresh, refreshExp, s.set.CookieSecure)
	return nil
}

func (s *Service) logout(w http.ResponseWriter, r *http.Request) {
	access := httpapi.CookieValue(r, httpapi.AccessCookie)
	if access == "" {
		httpapi.WriteError(w, r, http.StatusBadRequest, "no token found")
		return
	}
	ev := s.event(r, "logout")
	refresh := httpapi.CookieValue(r, httpapi.RefreshCookie)

	// The cookies are useless to the client either way.
	httpapi.ClearCookie(w, httpapi.AccessCookie, s.set.CookieSecure)
	httpapi.ClearCookie(w, httpapi.RefreshCookie, s.set.CookieSecure)

	claims, err := s.tokens.Verify(access)
	if err != nil || claims.Kind != auth.KindSession {
		ev.Outcome, ev.Reason = audit.OutcomeFailure, "invalid token"
		s.sink.Record(r.Context(), ev)
		s.unauthorized(w, r, "invalid token")
		return
	}
	ev.UserID, _ = claims.SubjectID()

	if err := s.sessions.Revoke(r.Context(), claims.SessionID, access, claims.ExpiresAt); err != nil {
		ev.Outcome, ev.Reason = audit.OutcomeUnavailable, err.Error()
		s.sink.Record(r.Context(), ev)
		httpapi.WriteAuthError(w, r, s.storeErr(err))
		return
	}
	if rc, err := s.tokens.Verify(refresh); err == nil && rc.Kind == auth.KindRefresh {
		if err := s.sessions.Blacklist(r.Context(), refresh, rc.ExpiresAt); err != nil {
			s.log.Warn("blacklist refresh token on logout", "error", err)
		}
	}
	ev.Outcome = audit.OutcomeSuccess
	s.sink.Record(r.Context(), ev)
	httpapi.WriteJSON(w, http.StatusOK, message{Message: "Déconnexion réussie"})
}

func (s *Service) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refresh := httpapi.CookieValue(r, httpapi.RefreshCookie)
	if refresh == "" {
		s.unauthorized(w, r, "no_refresh_token")
		return
	}
	claims, err := s.tokens.Verify(refresh)
	switch {
	case errors.Is(err, auth.ErrExpired):
		s.unauthorized(w, r, "refresh_token_expired")
		return
	case err != nil || claims.Kind != auth.KindRefresh:
		s.unauthorized(w, r, "not_valid_token")
		return
	}
	blacklisted, err := s.sessions.IsBlacklisted(ctx, refresh)
	if err != nil {
		httpapi.WriteAuthError(w, r, s.storeErr(err))
		return
	}
	if blacklisted {
		s.unauthorized(w, r, "refresh_token_blacklisted")
		return
	}
	uid, err := claims.SubjectID()
	if err != nil {
		s.unauthorized(w, r, "not_valid_token")
		return
	}
	owner, err := s.sessions.Owner(ctx, claims.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.unauthorized(w, r, "session_not_found")
		return
	case err != nil:
		httpapi.WriteAuthError(w, r, s.storeErr(err))
		return
	case owner != uid:
		s.unauthorized(w, r, "session_not_found")
		return
	}
	u, err := s.lookupUser(ctx, uid)
	if err != nil {
		httpapi.WriteAuthError(w, r, err)
		return
	}

	// Rotate: the old session and both old tokens stop working.
	if err := s.sessions.Revoke(ctx, claims.SessionID, refresh, claims.ExpiresAt); err != nil {
		httpapi.WriteAuthError(w, r, s.storeErr(err))
		return
	}
	if access := httpapi.CookieValue(r, httpapi.AccessCookie); access != "" {
		if ac, err := s.tokens.Verify(access); err == nil && ac.SessionID == claims.SessionID {
			if err := s.sessions.Blacklist(ctx, access, ac.ExpiresAt); err != nil {
				s.log.Warn("blacklist access token on refresh", "error", err)
			}
		}
	}
	if err := s.issuePair(ctx, w, u.ID); err != nil {
		httpapi.WriteAuthError(w, r, s.storeErr(err))
		return
	}
	ev := s.event(r, "refresh")
	ev.Outcome, ev.UserID, ev.Role = audit.OutcomeSuccess, u.ID, u.Role.Name
	s.sink.Record(ctx, ev)
	httpapi.WriteJSON(w, http.StatusOK, message{Message: "Token rafraîchi avec succès"})
}

func (s *Service) lookupUser(ctx context.Context, id int64) (auth.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.set.StoreTimeout)
	defer cancel()
	u, err := s.users.UserByID(ctx, id)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return auth.User{}, auth.ErrUnauthenticated
	case err != nil:
		return auth.User{}, s.storeErr(err)
	case !u.IsActive:
		return auth.User{}, auth.ErrUnauthenticated
	}
	return u, nil
}

func (s *Service) unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="cmv"`)
	httpapi.WriteError(w, r, http.StatusUnauthorized, detail)
}

// storeErr maps session and credential store failures onto ErrStoreUnavailable.
func (s *Service) storeErr(err error) error {
	if errors.Is(err, auth.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, session.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(auth.ErrStoreUnavailable, err)
	}
	return err
}

func (s *Service) event(r *http.Request, name string) audit.Event {
	return audit.Event{
		Time:      time.Now().UTC(),
		Event:     name,
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  httpapi.ClientIP(r),
		RequestID: httpapi.RequestIDFromContext(r.Context()),
	}
}
