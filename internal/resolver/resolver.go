// Package resolver maps inbound proxy paths to upstream targets.
//
// Three addressing conventions are recognised, tried in order:
//
//  1. embedded URL: "/https://host/path" (or "/host.tld/path", scheme defaults to https)
//  2. prefix route: "/raw/path" -> "<route base>/path"
//  3. default host: "/path" -> "https://<default host>/path"
//
// The resolver holds no per-request state and may be shared between goroutines.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"gh-proxy-go/internal/config"
	"gh-proxy-go/internal/model"
)

// ErrResolution is returned when a request path cannot be turned into an upstream URL.
var ErrResolution = errors.New("cannot resolve upstream target")

// rawContentHosts serve raw repository files and can be mirrored by the CDN.
var rawContentHosts = map[string]bool{
	"raw.githubusercontent.com": true,
	"raw.github.com":            true,
}

var (
	hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)
	blobPathPattern = regexp.MustCompile(`^/[^/]+/[^/]+/blob/`)
)

// Route is a prefix token bound to an upstream base URL. A HostSegment route
// reads the upstream host from the path segment after the token.
type Route struct {
	Token       string
	Base        *url.URL
	HostSegment bool
}

// Resolver turns request paths into upstream targets.
type Resolver struct {
	defaultHost string
	routes      map[string]Route
	blobToRaw   bool
	cdnBase     *url.URL
}

// New builds a Resolver from the proxy section of cfg.
func New(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{
		defaultHost: strings.ToLower(cfg.Proxy.DefaultHost),
		routes:      make(map[string]Route, len(cfg.Proxy.Routes)),
		blobToRaw:   cfg.Proxy.BlobToRaw,
	}
	if r.defaultHost == "" {
		return nil, fmt.Errorf("resolver: default host is required")
	}
	for _, rc := range cfg.Proxy.Routes {
		u, err := url.Parse(strings.TrimSuffix(rc.BaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("resolver: route %q: %w", rc.Token, err)
		}
		u.Host = strings.ToLower(u.Host)
		r.routes[rc.Token] = Route{Token: rc.Token, Base: u, HostSegment: rc.HostSegment}
	}
	if cfg.Proxy.CDNBaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.Proxy.CDNBaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("resolver: cdn base url: %w", err)
		}
		r.cdnBase = u
	}
	return r, nil
}

// DefaultHost returns the host used for bare paths.
func (r *Resolver) DefaultHost() string {
	return r.defaultHost
}

// Routes returns the configured prefix routes sorted by token.
func (r *Resolver) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Resolve maps an escaped request path and raw query string to an upstream target.
func (r *Resolver) Resolve(path, rawQuery string) (*model.Target, error) {
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", ErrResolution)
	}

	if abs, ok := embeddedURL(p); ok {
		return r.finish(parseTarget(abs, rawQuery))
	}

	seg, rest, _ := strings.Cut(p, "/")
	if strings.Contains(seg, ".") {
		return r.finish(parseTarget("https://"+p, rawQuery))
	}

	if route, ok := r.routes[seg]; ok {
		rest = strings.TrimLeft(rest, "/")
		if rest == "" {
			return nil, fmt.Errorf("%w: empty path after %q prefix", ErrResolution, seg)
		}
		if route.HostSegment {
			return r.finish(route.hostTarget(rest, rawQuery))
		}
		return r.finish(parseTarget(route.Base.String()+"/"+rest, rawQuery))
	}

	return r.finish(parseTarget("https://"+r.defaultHost+"/"+p, rawQuery))
}

// hostTarget resolves "<host>/<path>" for a HostSegment route.
func (route Route) hostTarget(rest, rawQuery string) (*model.Target, error) {
	host, path, _ := strings.Cut(rest, "/")
	host = strings.ToLower(host)
	if !InDomain(host, route.Base.Hostname()) {
		return nil, fmt.Errorf("%w: host %q is not under %q", ErrResolution, host, route.Base.Hostname())
	}
	return parseTarget(route.Base.Scheme+"://"+host+"/"+path, rawQuery)
}

// InDomain reports whether host is domain or one of its subdomains.
func InDomain(host, domain string) bool {
	return host != "" && domain != "" && (host == domain || strings.HasSuffix(host, "."+domain))
}

// ResolveURL resolves an absolute URL supplied out of band (e.g. a ?url= parameter).
// A missing scheme defaults to https.
func (r *Resolver) ResolveURL(raw string) (*model.Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrResolution)
	}
	if abs, ok := embeddedURL(raw); ok {
		return r.finish(parseTarget(abs, ""))
	}
	if scheme, _, ok := strings.Cut(raw, "://"); ok && !strings.ContainsAny(scheme, "/?#") {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrResolution, scheme)
	}
	return r.finish(parseTarget("https://"+strings.TrimLeft(raw, "/"), ""))
}

// CDNMirror returns the CDN mirror URL for a raw-content target,
// mapping raw.githubusercontent.com/<owner>/<repo>/<ref>/<file> to
// <cdn base>/<owner>/<repo>@<ref>/<file>.
func (r *Resolver) CDNMirror(t *model.Target) (string, bool) {
	if r.cdnBase == nil || !rawContentHosts[t.Hostname()] {
		return "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(t.Path, "/"), "/", 4)
	if len(parts) < 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", false
	}
	mirror := r.cdnBase.String() + "/" + parts[0] + "/" + parts[1] + "@" + parts[2] + "/" + parts[3]
	if t.RawQuery != "" {
		mirror += "?" + t.RawQuery
	}
	return mirror, true
}

// ProxyPath encodes t as a path on the proxy's own origin. Resolve maps the
// result back to t.
func ProxyPath(t *model.Target) string {
	return "/" + t.String()
}

// ResolveReference resolves a redirect Location, absolute or relative, against base.
func ResolveReference(base *model.Target, location string) (*model.Target, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: empty location", ErrResolution)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: location: %v", ErrResolution, err)
	}
	return parseTarget(base.URL().ResolveReference(ref).String(), "")
}

func (r *Resolver) finish(t *model.Target, err error) (*model.Target, error) {
	if err != nil {
		return nil, err
	}
	if r.blobToRaw && t.Hostname() == r.defaultHost && blobPathPattern.MatchString(t.Path) {
		t.Path = strings.Replace(t.Path, "/blob/", "/raw/", 1)
	}
	return t, nil
}

// embeddedURL reports whether p starts with an http(s) scheme and returns it
// with collapsed slashes ("https:/host") repaired.
func embeddedURL(p string) (string, bool) {
	for _, scheme := range []string{"https:", "http:"} {
		if len(p) < len(scheme) || !strings.EqualFold(p[:len(scheme)], scheme) {
			continue
		}
		rest := strings.TrimLeft(p[len(scheme):], "/")
		return scheme + "//" + rest, true
	}
	return "", false
}

// parseTarget parses an absolute candidate URL. rawQuery is used only when
// the candidate carries no query of its own.
func parseTarget(candidate, rawQuery string) (*model.Target, error) {
	u, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrResolution, u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: userinfo is not allowed", ErrResolution)
	}
	u.Host = strings.ToLower(u.Host)
	if !validHostname(u.Hostname()) {
		return nil, fmt.Errorf("%w: invalid host %q", ErrResolution, u.Host)
	}
	if u.RawQuery == "" && !u.ForceQuery {
		u.RawQuery = rawQuery
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return model.TargetFromURL(u), nil
}

func validHostname(h string) bool {
	if h == "" {
		return false
	}
	if strings.Contains(h, ":") {
		// bracketed IPv6 literal; url.Parse already validated it
		return true
	}
	return len(h) <= 253 && hostnamePattern.MatchString(h)
}
