// Package allowlist decides which upstream targets the proxy may contact.
package allowlist

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"gh-proxy-go/internal/config"
	"gh-proxy-go/internal/model"
)

// Verdict is the outcome of evaluating a target.
type Verdict int

const (
	// Deny means the target must not be contacted.
	Deny Verdict = iota
	// Follow means the target may only be reached by following an upstream redirect
	// server-side. It is never a valid client-addressed target.
	Follow
	// Proxy means the target is a client-addressable upstream.
	Proxy
)

func (v Verdict) String() string {
	switch v {
	case Proxy:
		return "proxy"
	case Follow:
		return "follow"
	default:
		return "deny"
	}
}

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed        Reason = "allowed"
	ReasonRedirectOnly   Reason = "redirect_only"
	ReasonNotAllowlisted Reason = "not_allowlisted"
	ReasonPrivateBlocked Reason = "private_network_blocked"
	ReasonInvalidTarget  Reason = "invalid_target"
)

// Decision describes the result of evaluating a target.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	Rule    *config.AllowRule
}

// KnownHosts is the rule set used when no allow rules are configured.
var KnownHosts = []config.AllowRule{
	{Kind: "host", Value: "github.com"},
	{Kind: "host", Value: "raw.githubusercontent.com"},
	{Kind: "host", Value: "gist.githubusercontent.com"},
	{Kind: "host", Value: "gist.github.com"},
	{Kind: "host", Value: "codeload.github.com"},
	{Kind: "host", Value: "avatars.githubusercontent.com"},
	{Kind: "host", Value: "github.githubassets.com"},
	{Kind: "host", Value: "objects.githubusercontent.com"},
	{Kind: "host", Value: "release-assets.githubusercontent.com"},
	{Kind: "domain", Value: "github.io"},
}

// Guard evaluates targets against a compiled rule set. It is read-only after
// construction and safe for concurrent use.
type Guard struct {
	allow        []*compiledRule
	redirectOnly []*compiledRule
	allowPrivate bool
}

type compiledRule struct {
	original config.AllowRule
	matchHost func(*model.Target) bool
	path      *regexp.Regexp
	methods   map[string]bool
}

// Option customises guard behaviour.
type Option func(*Guard)

// WithAllowPrivate controls whether loopback, private and link-local hosts may be
// contacted. They are blocked by default.
func WithAllowPrivate(allow bool) Option {
	return func(g *Guard) {
		g.allowPrivate = allow
	}
}

// New builds a Guard from the proxy section of cfg.
func New(cfg *config.Config) (*Guard, error) {
	return Compile(cfg.Proxy.Allow, cfg.Proxy.RedirectOnly, WithAllowPrivate(cfg.Proxy.AllowPrivateNetworks))
}

// Compile builds a Guard. An empty allow list falls back to KnownHosts.
// redirectOnly hosts are matched exactly (optionally with a port).
func Compile(allow []config.AllowRule, redirectOnly []string, opts ...Option) (*Guard, error) {
	g := &Guard{}
	for _, opt := range opts {
		opt(g)
	}

	if len(allow) == 0 {
		allow = KnownHosts
	}
	for _, rule := range allow {
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("compile allow rule %s %q: %w", rule.Kind, rule.Value, err)
		}
		g.allow = append(g.allow, compiled)
	}
	for _, host := range redirectOnly {
		compiled, err := compileRule(config.AllowRule{Kind: "host", Value: host})
		if err != nil {
			return nil, fmt.Errorf("compile redirect-only host %q: %w", host, err)
		}
		g.redirectOnly = append(g.redirectOnly, compiled)
	}
	return g, nil
}

// IsAllowed reports whether t is a client-addressable upstream.
func (g *Guard) IsAllowed(t *model.Target) bool {
	return g.Evaluate(t, "").Verdict == Proxy
}

// Evaluate classifies t. An empty method skips per-rule method restrictions.
func (g *Guard) Evaluate(t *model.Target, method string) Decision {
	if t == nil || t.Host == "" || (t.Scheme != "http" && t.Scheme != "https") {
		return Decision{Verdict: Deny, Reason: ReasonInvalidTarget}
	}
	if !g.allowPrivate && isPrivateHost(t.Hostname()) {
		return Decision{Verdict: Deny, Reason: ReasonPrivateBlocked}
	}

	for _, rule := range g.allow {
		if rule.match(t, method) {
			return Decision{Verdict: Proxy, Reason: ReasonAllowed, Rule: &rule.original}
		}
	}
	for _, rule := range g.redirectOnly {
		if rule.match(t, "") {
			return Decision{Verdict: Follow, Reason: ReasonRedirectOnly, Rule: &rule.original}
		}
	}
	return Decision{Verdict: Deny, Reason: ReasonNotAllowlisted}
}

func (r *compiledRule) match(t *model.Target, method string) bool {
	if !r.matchHost(t) {
		return false
	}
	if r.path != nil && !r.path.MatchString(t.Path) {
		return false
	}
	if method != "" && len(r.methods) > 0 && !r.methods[strings.ToUpper(method)] {
		return false
	}
	return true
}

func compileRule(rule config.AllowRule) (*compiledRule, error) {
	value := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(rule.Value)), ".")
	if value == "" {
		return nil, errors.New("empty value")
	}

	// A value carrying a port is compared against host:port, otherwise against the bare hostname.
	hostOf := func(t *model.Target) string { return strings.TrimSuffix(t.Hostname(), ".") }
	if _, _, err := net.SplitHostPort(value); err == nil {
		hostOf = func(t *model.Target) string { return t.Host }
	}

	c := &compiledRule{original: rule}
	switch strings.ToLower(rule.Kind) {
	case "host", "":
		c.matchHost = func(t *model.Target) bool { return hostOf(t) == value }
	case "domain":
		c.matchHost = func(t *model.Target) bool { return hostMatchesDomain(hostOf(t), value) }
	case "wildcard":
		re, err := wildcardToRegexp(value)
		if err != nil {
			return nil, err
		}
		c.matchHost = func(t *model.Target) bool { return re.MatchString(hostOf(t)) }
	default:
		return nil, fmt.Errorf("unsupported rule kind %q", rule.Kind)
	}

	if rule.Path != "" {
		re, err := regexp.Compile(rule.Path)
		if err != nil {
			return nil, err
		}
		c.path = re
	}
	if len(rule.Methods) > 0 {
		c.methods = make(map[string]bool, len(rule.Methods))
		for _, m := range rule.Methods {
			c.methods[strings.ToUpper(strings.TrimSpace(m))] = true
		}
	}
	return c, nil
}

func wildcardToRegexp(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	return regexp.Compile("^" + strings.ReplaceAll(escaped, `\*`, `[^/]*`) + "$")
}

func hostMatchesDomain(host, domain string) bool {
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func isPrivateHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
