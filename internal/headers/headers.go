// Package headers builds the header sets sent upstream and returned to clients.
// Every function returns a fresh http.Header; inputs are never modified.
package headers

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"

	"gh-proxy-go/internal/model"
)

// DefaultUserAgent is sent upstream when the client supplied none.
const DefaultUserAgent = "gh-proxy-go/1.0"

// hopHeaders apply to a single transport-level connection and are never forwarded.
// Proxy-Connection is non-standard but still sent by some clients.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// clientIPHeaders describe the client's network position relative to the proxy.
var clientIPHeaders = []string{
	"Forwarded",
	"Via",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Port",
	"X-Forwarded-Proto",
	"X-Forwarded-Server",
	"X-Real-Ip",
	"X-Client-Ip",
	"True-Client-Ip",
	"Cf-Connecting-Ip",
	"Cf-Connecting-Ipv6",
	"Cf-Ipcountry",
	"Cf-Ray",
	"Cf-Visitor",
}

var conditionalHeaders = []string{
	"If-Modified-Since",
	"If-None-Match",
}

// deniedResponseHeaders would otherwise act on the proxy's own origin.
var deniedResponseHeaders = []string{
	"Set-Cookie",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"Clear-Site-Data",
	"Strict-Transport-Security",
}

// Request returns the header set for an upstream request to t.
func Request(in http.Header, t *model.Target, preserveConditional bool) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}
	removeHopByHop(out)

	// Advertise trailer support only when the client did.
	if httpguts.HeaderValuesContainsToken(in["Te"], "trailers") {
		out.Set("Te", "trailers")
	}

	out.Del("Host")
	for _, h := range clientIPHeaders {
		out.Del(h)
	}
	if !preserveConditional {
		for _, h := range conditionalHeaders {
			out.Del(h)
		}
	}

	Retarget(out, t)
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", DefaultUserAgent)
	}
	return out
}

// Retarget points the Referer of an outbound header set at t's own origin,
// which satisfies upstream hotlink checks.
func Retarget(h http.Header, t *model.Target) {
	h.Set("Referer", t.Scheme+"://"+t.Host+"/")
}

// DropBody removes the headers describing a request body. Used when a
// request is re-issued without one.
func DropBody(h http.Header) {
	h.Del("Content-Type")
	h.Del("Content-Length")
	h.Del("Content-Encoding")
}

// DropCredentials removes headers that must not follow a request to another host.
func DropCredentials(h http.Header) {
	h.Del("Authorization")
	h.Del("Cookie")
}

// Response returns the client-facing header set for an upstream response.
func Response(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}
	removeHopByHop(out)
	for _, h := range deniedResponseHeaders {
		out.Del(h)
	}
	addCORS(out)
	return out
}

// Preflight returns the static headers for a CORS preflight answer.
func Preflight() http.Header {
	h := make(http.Header)
	addCORS(h)
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,HEAD,DELETE,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "1728000")
	return h
}

// IsPreflight reports whether r is a CORS preflight request.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Headers") != ""
}

func addCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "*")
}

// removeHopByHop deletes the fixed hop-by-hop set plus any header named as
// a token of the Connection header.
func removeHopByHop(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" && httpguts.ValidHeaderFieldName(sf) {
				h.Del(sf)
			}
		}
	}
	for _, f := range hopHeaders {
		h.Del(f)
	}
}
