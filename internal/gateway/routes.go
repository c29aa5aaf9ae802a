package gateway

import (
	"net/http"

	"cmv.health/internal/auth"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/proxy"
)

type route struct {
	pattern  string
	guard    httpapi.Guard
	upstream *proxy.Forwarder
}

// routes lists the forwarded prefixes. Document routes live under
// /api/patients but are checked against the documents resource.
func (s *Service) routes(g httpapi.Guards) []route {
	return []route{
		{"GET /api/chambres/", g.Require("get", "chambres"), s.up.Rooms},
		{"PUT /api/chambres/", g.Require("put", "chambres"), s.up.Rooms},
		{"GET /api/services/", g.Require("get", "services"), s.up.Rooms},

		{"GET /api/patients/download/", g.Require("get", "documents"), s.up.Patients},
		{"POST /api/patients/upload/", g.Require("post", "documents"), s.up.Patients},
		{"DELETE /api/patients/delete/", g.Require("delete", "documents"), s.up.Patients},
		{"GET /api/patients/", g.ByMethod("patients"), s.up.Patients},
		{"POST /api/patients/", g.ByMethod("patients"), s.up.Patients},
		{"PUT /api/patients/", g.ByMethod("patients"), s.up.Patients},
		{"DELETE /api/patients/", g.ByMethod("patients"), s.up.Patients},

		{"GET /api/home/", g.ByMethod("home"), s.up.Home},
		{"PUT /api/home/", g.ByMethod("home"), s.up.Home},
	}
}

// forward mints an internal token for the admitted principal and relays the request.
func (s *Service) forward(up *proxy.Forwarder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpapi.WriteAuthError(w, r, auth.ErrUnauthenticated)
			return
		}
		tok, _, err := s.tokens.IssueInternal(p.UserID, p.Role, s.set.InternalTokenTTL)
		if err != nil {
			s.log.Error("issue internal token", "upstream", up.Name(), "error", err)
			httpapi.WriteError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		up.Forward(w, r, tok)
	})
}
