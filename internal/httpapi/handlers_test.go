package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"cmv.health/internal/auth"
)

func TestHealthAndReady(t *testing.T) {
	failing := false
	api := New(ReadyProbe{Checks: map[string]Check{
		"db": func(context.Context) error {
			if failing {
				return errors.New("down")
			}
			return nil
		},
	}}, "rooms", "test", nil)
	h := api.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}

	failing = true
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while failing: %d", rr.Code)
	}
}

func TestWriteAuthErrorMapping(t *testing.T) {
	cases := map[error]int{
		auth.ErrUnauthenticated:                                 http.StatusUnauthorized,
		auth.ErrInvalidCredentials:                              http.StatusUnauthorized,
		auth.ErrForbidden:                                       http.StatusForbidden,
		auth.ErrStoreUnavailable:                                http.StatusServiceUnavailable,
		auth.ErrWeakPassword:                                    http.StatusBadRequest,
		auth.ErrNotFound:                                        http.StatusNotFound,
		errors.Join(auth.ErrStoreUnavailable, auth.ErrNotFound): http.StatusServiceUnavailable,
		errors.New("boom"):                                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		rr := httptest.NewRecorder()
		WriteAuthError(rr, httptest.NewRequest(http.MethodGet, "/", nil), err)
		if rr.Code != want {
			t.Fatalf("%v: got %d, want %d", err, rr.Code, want)
		}
	}
}
