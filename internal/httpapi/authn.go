package httpapi

import (
	"net/http"
	"strings"
	"time"

	"cmv.health/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// AccessCookie carries the session-bearing access token.
	AccessCookie = "access_token"
	// RefreshCookie carries the refresh token.
	RefreshCookie = "refresh_token"
)

// Guard is the per-route pre-handler check. It carries its (action, resource)
// pair as data. An empty Action means the lowercase request method and an
// empty Resource means the path segment at ResourceSegment.
type Guard struct {
	Gate     *auth.Gate
	Source   auth.CredentialSource
	Action   string
	Resource string
	// Basic routes only require authentication.
	Basic bool
}

// Guards builds route guards that share a gate and a credential source.
type Guards struct {
	Gate   *auth.Gate
	Source auth.CredentialSource
}

// Require returns a guard for a fixed (action, resource) pair.
func (gs Guards) Require(action, resource string) Guard {
	return Guard{Gate: gs.Gate, Source: gs.Source, Action: action, Resource: resource}
}

// ByMethod returns a guard whose action is the request method.
func (gs Guards) ByMethod(resource string) Guard {
	return Guard{Gate: gs.Gate, Source: gs.Source, Resource: resource}
}

// Self returns a guard for a self-service route.
func (gs Guards) Self() Guard {
	return Guard{Gate: gs.Gate, Source: gs.Source, Basic: true}
}

// Wrap runs the gate before next. next never runs on denial.
func (g Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := g.Action
		if action == "" {
			action = strings.ToLower(r.Method)
		}
		resource := g.Resource
		if resource == "" && !g.Basic {
			resource = ResourceFromPath(r.URL.Path, ResourceSegment)
		}
		token := credentialToken(r, g.Source)
		principal, err := g.Gate.Admit(r.Context(), auth.Request{
			Credential: auth.Credential{Token: token, Source: g.Source},
			Method:     r.Method,
			Path:       r.URL.Path,
			ClientIP:   ClientIP(r),
			RequestID:  RequestIDFromContext(r.Context()),
			Action:     action,
			Resource:   resource,
			Basic:      g.Basic,
		})
		if err != nil {
			WriteAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WrapFunc is Wrap for a handler function.
func (g Guard) WrapFunc(next http.HandlerFunc) http.Handler { return g.Wrap(next) }

// ResourceSegment is the path position naming the resource: /api/<resource>/...
const ResourceSegment = 1

// ResourceFromPath returns the pos-th non-empty path segment, or "".
func ResourceFromPath(path string, pos int) string {
	i := 0
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if i == pos {
			return seg
		}
		i++
	}
	return ""
}

func credentialToken(r *http.Request, source auth.CredentialSource) string {
	switch source {
	case auth.SourceCookie:
		if c, err := r.Cookie(AccessCookie); err == nil {
			return c.Value
		}
	case auth.SourceBearer:
		if tok, ok := extractBearerToken(r.Header.Get(authHeader)); ok {
			return tok
		}
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}

// CookieValue returns the named cookie value or "".
func CookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetTokenCookie sets an httponly, SameSite=Lax cookie expiring at exp.
func SetTokenCookie(w http.ResponseWriter, name, value string, exp time.Time, secure bool) {
	maxAge := int(time.Until(exp).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  exp.UTC(),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the named cookie.
func ClearCookie(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
