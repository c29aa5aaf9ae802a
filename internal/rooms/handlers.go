package rooms

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cmv.health/internal/httpapi"
	"cmv.health/internal/obs"
)

// Handler serves the rooms API. Every route is guarded by the caller's internal token.
type Handler struct {
	repo    Repository
	events  *Broker
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

func NewHandler(repo Repository, log *slog.Logger) *Handler {
	if log == nil {
		log = obs.Discard()
	}
	return &Handler{repo: repo, events: NewBroker(), log: log, now: time.Now, timeout: 5 * time.Second}
}

// Events is the broker status changes are published on.
func (h *Handler) Events() *Broker { return h.events }

func (h *Handler) Register(api *httpapi.API, guards httpapi.Guards) {
	api.Handle("GET /api/services/{$}", guards.Require("get", "services").WrapFunc(h.listServices))
	api.Handle("GET /api/services/simple", guards.Require("get", "services").WrapFunc(h.simpleServices))
	api.Handle("GET /api/chambres/events", guards.Require("get", "chambres").WrapFunc(h.streamEvents))
	api.Handle("GET /api/chambres/libre", guards.Require("get", "chambres").WrapFunc(h.firstFree))
	api.Handle("GET /api/chambres/{id}", guards.Require("get", "chambres").WrapFunc(h.getChambre))
	api.Handle("PUT /api/chambres/{id}", guards.Require("put", "chambres").WrapFunc(h.putChambre))
}

func (h *Handler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	services, err := h.repo.Services(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if services == nil {
		services = []Service{}
	}
	httpapi.WriteJSON(w, http.StatusOK, services)
}

func (h *Handler) simpleServices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	refs, err := h.repo.SimpleServices(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, refs)
}

func (h *Handler) getChambre(w http.ResponseWriter, r *http.Request) {
	id, err := httpapi.PathID(r, "id")
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	c, err := h.repo.Chambre(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) firstFree(w http.ResponseWriter, r *http.Request) {
	sid, err := strconv.ParseInt(r.URL.Query().Get("service_id"), 10, 64)
	if err != nil || sid <= 0 {
		httpapi.WriteError(w, r, http.StatusBadRequest, "service_id must be a positive integer")
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	c, err := h.repo.FirstFree(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		httpapi.WriteError(w, r, http.StatusNotFound, "Aucune chambre disponible dans ce service")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, c)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) putChambre(w http.ResponseWriter, r *http.Request) {
	id, err := httpapi.PathID(r, "id")
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req statusRequest
	if !httpapi.Bind(w, r, &req) {
		return
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	c, err := h.repo.SetStatus(ctx, id, status, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("chambre status changed", "chambre_id", c.ID, "status", c.Status)
	h.events.Publish(StatusEvent{Chambre: c, Timestamp: h.now().UTC()})
	httpapi.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.WriteError(w, r, http.StatusNotFound, "chambre introuvable")
	case errors.Is(err, ErrInvalidStatus):
		httpapi.WriteError(w, r, http.StatusBadRequest, "status must be one of libre, occupee, nettoyage")
	default:
		h.log.Error("rooms store error", "path", r.URL.Path, "error", err)
		httpapi.WriteError(w, r, http.StatusServiceUnavailable, "service unavailable")
	}
}
