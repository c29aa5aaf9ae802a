// Package home serves the self-service area: a user's own profile, password
// changes and a read-only view of hospital services.
package home

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cmv.health/internal/audit"
	"cmv.health/internal/auth"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/obs"
	"cmv.health/internal/rooms"
)

type Handler struct {
	users    auth.UserStore
	rooms    rooms.Repository
	policy   auth.PasswordPolicy
	hashCost int
	sink     audit.Sink
	log      *slog.Logger
	timeout  time.Duration
}

type Option func(*Handler)

func WithPasswordPolicy(p auth.PasswordPolicy) Option { return func(h *Handler) { h.policy = p } }

// WithHashCost sets the bcrypt cost for new password hashes.
func WithHashCost(cost int) Option { return func(h *Handler) { h.hashCost = cost } }

func WithAuditSink(s audit.Sink) Option {
	return func(h *Handler) {
		if s != nil {
			h.sink = s
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHandler(users auth.UserStore, repo rooms.Repository, opts ...Option) *Handler {
	h := &Handler{
		users:    users,
		rooms:    repo,
		policy:   auth.BasicPasswordPolicy(),
		hashCost: bcrypt.DefaultCost,
		sink:     audit.Nop{},
		log:      obs.Discard(),
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(api *httpapi.API, g httpapi.Guards) {
	api.Handle("GET /api/home/profile", g.Require("get", "home").WrapFunc(h.profile))
	api.Handle("PUT /api/home/profile/password", g.Require("put", "home").WrapFunc(h.changePassword))
	api.Handle("GET /api/home/services", g.Require("get", "home").WrapFunc(h.services))
}

func (h *Handler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

type profileResponse struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"prenom"`
	LastName  string    `json:"nom"`
	Service   string    `json:"service"`
	Role      string    `json:"role"`
	RoleLabel string    `json:"role_label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	ctx, cancel := h.ctx(r)
	defer cancel()
	u, err := h.users.UserByID(ctx, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, profileResponse{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Service:   u.Service,
		Role:      u.Role.Name,
		RoleLabel: u.Role.Label,
		CreatedAt: u.CreatedAt,
	})
}

type passwordRequest struct {
	Current string `json:"current_password" validate:"required"`
	New     string `json:"new_password" validate:"required"`
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !httpapi.Bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	ev := audit.Event{
		Time:      time.Now().UTC(),
		Event:     "password_change",
		UserID:    p.UserID,
		Role:      p.Role,
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  httpapi.ClientIP(r),
		RequestID: httpapi.RequestIDFromContext(r.Context()),
	}
	reject := func(code int, reason, detail string) {
		ev.Outcome, ev.Reason = audit.OutcomeFailure, reason
		h.sink.Record(r.Context(), ev)
		httpapi.WriteError(w, r, code, detail)
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	u, err := h.users.UserByID(ctx, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if auth.VerifyPassword(u.PasswordHash, req.Current) != nil {
		reject(http.StatusBadRequest, "current password mismatch", "Mot de passe actuel incorrect")
		return
	}
	if req.New == req.Current {
		reject(http.StatusBadRequest, "password unchanged", "Le nouveau mot de passe doit être différent de l'ancien")
		return
	}
	if err := h.policy.Validate(req.New); err != nil {
		reject(http.StatusBadRequest, "weak password", err.Error())
		return
	}
	hash, err := auth.HashPasswordWithCost(req.New, h.hashCost)
	if err != nil {
		h.log.Error("hash password", "error", err)
		httpapi.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		h.fail(w, r, err)
		return
	}
	ev.Outcome = audit.OutcomeSuccess
	h.sink.Record(r.Context(), ev)
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Mot de passe modifié avec succès"})
}

func (h *Handler) services(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	services, err := h.rooms.Services(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if services == nil {
		services = []rooms.Service{}
	}
	httpapi.WriteJSON(w, http.StatusOK, services)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrNotFound) {
		httpapi.WriteAuthError(w, r, auth.ErrUnauthenticated)
		return
	}
	h.log.Error("home store error", "path", r.URL.Path, "error", err)
	httpapi.WriteError(w, r, http.StatusServiceUnavailable, "service unavailable")
}
