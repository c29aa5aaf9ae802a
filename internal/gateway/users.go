package gateway

import (
	"context"
	"errors"
	"net/http"

	"cmv.health/internal/audit"
	"cmv.health/internal/auth"
	"cmv.health/internal/httpapi"
)

type meResponse struct {
	Role      string `json:"role"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	FirstName string `json:"prenom"`
	LastName  string `json:"nom"`
	Service   string `json:"service,omitempty"`
}

func (s *Service) me(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpapi.WriteAuthError(w, r, auth.ErrUnauthenticated)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, meResponse{
		Role:      p.Role,
		UserID:    p.UserID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Service:   p.Service,
	})
}

type registerRequest struct {
	Username  string `json:"username" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"prenom" validate:"required,max=100"`
	LastName  string `json:"nom" validate:"required,max=100"`
	Service   string `json:"service" validate:"max=100"`
	Role      string `json:"role" validate:"required,alphanum,max=50"`
	IsActive  bool   `json:"is_active"`
}

type registerResponse struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpapi.Bind(w, r, &req) {
		return
	}
	if err := s.set.Password.Validate(req.Password); err != nil {
		httpapi.WriteAuthError(w, r, err)
		return
	}
	hash, err := auth.HashPasswordWithCost(req.Password, s.set.HashCost)
	if err != nil {
		s.log.Error("hash password", "error", err)
		httpapi.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.set.StoreTimeout)
	defer cancel()
	u, err := s.users.CreateUser(ctx, auth.NewUser{
		Username:     req.Username,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Service:      req.Service,
		RoleName:     req.Role,
		IsActive:     req.IsActive,
	})
	ev := s.event(r, "register")
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		ev.UserID, ev.Role = p.UserID, p.Role
	}
	if err != nil {
		ev.Outcome, ev.Reason = audit.OutcomeFailure, err.Error()
		s.sink.Record(r.Context(), ev)
		if errors.Is(err, auth.ErrAlreadyExists) {
			httpapi.WriteError(w, r, http.StatusConflict, "Un compte enregistré avec cette adresse existe déjà")
			return
		}
		httpapi.WriteAuthError(w, r, s.storeErr(err))
		return
	}
	ev.Outcome = audit.OutcomeSuccess
	ev.Reason = "created user " + u.Username
	s.sink.Record(r.Context(), ev)
	httpapi.WriteJSON(w, http.StatusCreated, registerResponse{ID: u.ID, Message: "Compte créé avec succès"})
}
