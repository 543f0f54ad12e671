// Package rewrite substitutes absolute upstream URLs in textual response
// bodies with proxy-relative paths.
//
// Rewriting buffers the whole body, so it trades streaming for link fidelity
// and is bounded by a size cap. Bodies over the cap are streamed unchanged.
package rewrite

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/icholy/replace"
	"golang.org/x/text/transform"

	"gh-proxy-go/internal/allowlist"
	"gh-proxy-go/internal/config"
	"gh-proxy-go/internal/metrics"
	"gh-proxy-go/internal/model"
	"gh-proxy-go/internal/resolver"
)

// Outcome labels for the body rewrite counter.
const (
	OutcomeRewritten           = "rewritten"
	OutcomeUnchanged           = "unchanged"
	OutcomeTooLarge            = "too_large"
	OutcomeUnsupportedEncoding = "unsupported_encoding"
	OutcomeDecodeError         = "decode_error"
)

// linkPattern matches an absolute or protocol-relative URL origin and the
// character that ends it. A host followed by a further host character is not
// a match.
var linkPattern = regexp.MustCompile(`(?i)(https?:)?//([a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)+)(:[0-9]+)?(/|[^a-z0-9._\-]|$)`)

// Rewriter rewrites textual response bodies. It is read-only after
// construction and safe for concurrent use.
type Rewriter struct {
	enabled bool
	maxBody int64
	metrics *metrics.Metrics
	guard   *allowlist.Guard

	// prefixes maps route hosts and the default host to their proxy path prefix.
	prefixes   map[string]string
	hostRoutes []resolver.Route
}

// New builds a Rewriter for the resolver's prefix routes, its default host
// and every host the guard proxies.
// The metrics parameter is optional; pass nil to disable recording.
func New(cfg *config.Config, res *resolver.Resolver, guard *allowlist.Guard, m *metrics.Metrics) *Rewriter {
	rw := &Rewriter{
		enabled:  cfg.Rewrite.Enabled,
		maxBody:  cfg.Rewrite.MaxBodyBytes,
		metrics:  m,
		guard:    guard,
		prefixes: map[string]string{res.DefaultHost(): ""},
	}
	for _, route := range res.Routes() {
		switch {
		case route.HostSegment:
			rw.hostRoutes = append(rw.hostRoutes, route)
		case strings.Trim(route.Base.Path, "/") == "" && route.Base.Port() == "":
			rw.prefixes[route.Base.Hostname()] = "/" + route.Token
		}
	}
	return rw
}

// ProxyPrefix returns the proxy path prefix that replaces the origin of an
// upstream link to host:
//
//	<route host>                    -> /<token>
//	<default host>                  -> ""
//	<host under host-segment route> -> /<token>/<host>
//	<other proxied host>            -> /<host>
//
// Hosts the guard would not proxy are left alone.
func (rw *Rewriter) ProxyPrefix(host string) (string, bool) {
	host = strings.ToLower(host)
	if p, ok := rw.prefixes[host]; ok {
		return p, true
	}
	if !rw.proxied(host) {
		return "", false
	}
	for _, route := range rw.hostRoutes {
		if resolver.InDomain(host, route.Base.Hostname()) {
			return "/" + route.Token + "/" + host, true
		}
	}
	return "/" + host, true
}

func (rw *Rewriter) proxied(host string) bool {
	if rw.guard == nil {
		return false
	}
	return rw.guard.IsAllowed(&model.Target{Scheme: "https", Host: host, Path: "/"})
}

// Enabled reports whether body rewriting is switched on.
func (rw *Rewriter) Enabled() bool {
	return rw.enabled
}

// Applies reports whether a response with the given headers is a rewrite
// candidate. Range responses never are.
func (rw *Rewriter) Applies(h http.Header) bool {
	return rw.enabled && h.Get("Content-Range") == "" && IsTextual(h.Get("Content-Type"))
}

// Apply rewrites resp when it is a candidate and returns the response to send.
// Ineligible responses are returned unchanged. A returned error means the
// upstream body could not be read; resp.Body has been closed in that case.
func (rw *Rewriter) Apply(resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	if !rw.Applies(resp.Header) {
		return resp, nil
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity", "gzip", "br":
	default:
		rw.record(OutcomeUnsupportedEncoding)
		return resp, nil
	}

	if cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && cl > rw.maxBody {
		rw.record(OutcomeTooLarge)
		return resp, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, rw.maxBody+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("read body for rewrite: %w", err)
	}
	if int64(len(raw)) > rw.maxBody {
		// Chunked body over the cap: replay the prefix then stream the rest.
		rw.record(OutcomeTooLarge)
		return &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       &prefixedBody{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), closer: resp.Body},
		}, nil
	}
	_ = resp.Body.Close()

	plain, err := decode(raw, encoding, rw.maxBody)
	if err != nil {
		rw.record(OutcomeDecodeError)
		return replaceBody(resp, raw, resp.Header.Clone()), nil
	}

	out, err := rw.Rewrite(plain)
	if err != nil {
		rw.record(OutcomeDecodeError)
		return replaceBody(resp, raw, resp.Header.Clone()), nil
	}

	if bytes.Equal(out, plain) {
		rw.record(OutcomeUnchanged)
	} else {
		rw.record(OutcomeRewritten)
	}

	header := resp.Header.Clone()
	header.Del("Content-Encoding")
	// Offsets into the upstream representation do not apply to this body.
	header.Del("Accept-Ranges")
	if !bytes.Equal(out, plain) {
		header.Del("Etag")
		header.Del("Content-Md5")
	}
	return replaceBody(resp, out, header), nil
}

// Rewrite replaces upstream link origins in body with proxy path prefixes.
// http, https and protocol-relative links are all rewritten; links with an
// explicit port are not.
func (rw *Rewriter) Rewrite(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	t := replace.RegexpStringSubmatchFunc(linkPattern, func(m []string) string {
		if m[3] != "" {
			return m[0]
		}
		prefix, ok := rw.ProxyPrefix(m[2])
		if !ok {
			return m[0]
		}
		if m[4] == "/" {
			return prefix + "/"
		}
		return prefix + "/" + m[4]
	})
	return io.ReadAll(transform.NewReader(bytes.NewReader(body), t))
}

// IsTextual reports whether a Content-Type value names html, css, javascript or json.
func IsTextual(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case mt == "text/html", mt == "application/xhtml+xml", mt == "text/css":
		return true
	case strings.Contains(mt, "javascript"), mt == "text/ecmascript", mt == "application/ecmascript":
		return true
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return true
	}
	return false
}

func (rw *Rewriter) record(outcome string) {
	if rw.metrics != nil {
		rw.metrics.BodyRewrites.WithLabelValues(outcome).Inc()
	}
}

func decode(raw []byte, encoding string, limit int64) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer func() { _ = gr.Close() }()
		r = gr
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return raw, nil
	}

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", limit)
	}
	return out, nil
}

func replaceBody(resp *model.ProxyResponse, body []byte, header http.Header) *model.ProxyResponse {
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error {
	return b.closer.Close()
}
