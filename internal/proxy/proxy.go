// Package proxy forwards gateway requests to the backend services.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"cmv.health/internal/audit"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/obs"
)

type tokenKey struct{}

// Forwarder relays requests to one upstream service, replacing the caller's
// cookies with a gateway-minted internal token.
type Forwarder struct {
	name   string
	target *url.URL
	rp     *httputil.ReverseProxy
	log    *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTransport overrides the round tripper used to reach the upstream.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) { f.rp.Transport = rt }
}

func WithLogger(log *slog.Logger) Option {
	return func(f *Forwarder) {
		if log != nil {
			f.log = log
		}
	}
}

// New builds a forwarder for the upstream at rawURL.
func New(name, rawURL string, opts ...Option) (*Forwarder, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", name, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, fmt.Errorf("proxy %s: upstream %q must be an absolute http(s) URL", name, rawURL)
	}
	f := &Forwarder{name: name, target: target, log: obs.Discard()}
	f.rp = &httputil.ReverseProxy{
		Rewrite:      f.rewrite,
		ErrorHandler: f.errorHandler,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Name is the upstream name used in logs.
func (f *Forwarder) Name() string { return f.name }

// Forward sends r upstream authenticated with the internal token.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, token string) {
	ctx := context.WithValue(r.Context(), tokenKey{}, token)
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	}
	f.rp.ServeHTTP(w, r.WithContext(ctx))
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(f.target)
	pr.SetXForwarded()
	// Backends see the client the gateway resolved, not the gateway's peer.
	pr.Out.Header.Set("X-Forwarded-For", httpapi.ClientIP(pr.In))
	pr.Out.Host = f.target.Host

	// Browser credentials stay at the gateway.
	pr.Out.Header.Del("Cookie")
	pr.Out.Header.Del("Authorization")
	if tok, _ := pr.In.Context().Value(tokenKey{}).(string); tok != "" {
		pr.Out.Header.Set("Authorization", "Bearer "+tok)
	}
	if rid := audit.RequestIDFromContext(pr.In.Context()); rid != "" {
		pr.Out.Header.Set("X-Request-ID", rid)
	}
}

func (f *Forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		f.log.Debug("proxy request canceled", "upstream", f.name, "path", r.URL.Path)
		return
	}
	f.log.Error("proxy upstream error",
		"upstream", f.name,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"detail":%q}`+"\n", "upstream "+f.name+" unavailable")
}
