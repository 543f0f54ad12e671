// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
// It is not modified once built by the handler.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // escaped request path, e.g. "/https://github.com/a/b"
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// Target is a resolved upstream URL. Scheme is always http or https and Host is never empty.
type Target struct {
	Scheme   string
	Host     string // host[:port]
	Path     string // escaped path
	RawQuery string
}

// URL returns the target as a *url.URL.
func (t *Target) URL() *url.URL {
	u := &url.URL{
		Scheme:   t.Scheme,
		Host:     t.Host,
		RawQuery: t.RawQuery,
	}
	// Path is stored escaped; keep both forms so String() round-trips it verbatim.
	if p, err := url.PathUnescape(t.Path); err == nil {
		u.Path = p
		u.RawPath = t.Path
	} else {
		u.Path = t.Path
	}
	return u
}

// String returns the absolute URL of the target.
func (t *Target) String() string {
	return t.URL().String()
}

// Hostname returns the host without any port.
func (t *Target) Hostname() string {
	return t.URL().Hostname()
}

// TargetFromURL converts an absolute URL into a Target.
func TargetFromURL(u *url.URL) *Target {
	return &Target{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     u.EscapedPath(),
		RawQuery: u.RawQuery,
	}
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
