package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cmv.health/internal/auth"
	"cmv.health/internal/obs"
)

// Check is one readiness dependency (database ping, session store ping).
type Check func(ctx context.Context) error

// ReadyProbe aggregates readiness checks.
type ReadyProbe struct {
	Checks map[string]Check
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for name, check := range rp.Checks {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// API is the HTTP shell shared by every service: health, readiness, metrics and middleware.
type API struct {
	mux     *http.ServeMux
	probe   ReadyProbe
	service string
	version string
	log     *slog.Logger
	proxies TrustedProxies
}

func New(rp ReadyProbe, service, version string, log *slog.Logger) *API {
	if log == nil {
		log = obs.Discard()
	}
	a := &API{
		mux:     http.NewServeMux(),
		probe:   rp,
		service: service,
		version: version,
		log:     log,
	}
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())
	return a
}

// Handle registers a route on the underlying mux.
func (a *API) Handle(pattern string, h http.Handler) { a.mux.Handle(pattern, h) }

// HandleFunc registers a route on the underlying mux.
func (a *API) HandleFunc(pattern string, h http.HandlerFunc) { a.mux.HandleFunc(pattern, h) }

// TrustProxies sets the peers whose forwarding headers name the client.
func (a *API) TrustProxies(tp TrustedProxies) { a.proxies = tp }

// Logger returns the service logger.
func (a *API) Logger() *slog.Logger { return a.log }

// Handler returns the mux wrapped in the standard middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(a.log)(h)
	h = RealIP(a.proxies)(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": a.service,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.probe.Check(ctx); err != nil {
		a.log.Warn("readiness check failed", "error", err)
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"name":    a.service,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"detail": msg, "request_id": ...}.
func WriteError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"detail": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	WriteJSON(w, code, payload)
}

// WriteAuthError maps auth error kinds to the canonical status and a generic message.
func WriteAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrStoreUnavailable):
		WriteError(w, r, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, auth.ErrInvalidCredentials):
		WriteError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="cmv"`)
		WriteError(w, r, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, auth.ErrForbidden):
		WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidInput):
		WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		WriteError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "not found")
	default:
		WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// PathID parses a positive integer path value.
func PathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}
