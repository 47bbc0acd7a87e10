package proxy

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-tap/pkg/domain"
)

// hopHeaders are connection-scoped and never cross the proxy in either
// direction.
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

// Forwarder issues the single upstream call for a request.
type Forwarder struct {
	target string
	client *http.Client
}

// NewForwarder returns a forwarder for the given base URL. An empty target
// yields an unconfigured forwarder. A nil transport uses NewTransport.
func NewForwarder(target string, timeout time.Duration, transport http.RoundTripper) *Forwarder {
	if transport == nil {
		transport = NewTransport()
	}
	return &Forwarder{
		target: strings.TrimSuffix(target, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// NewTransport clones the default transport with automatic compression
// negotiation turned off, so Accept-Encoding is only sent when the caller
// sent it.
func NewTransport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			DialContext:        (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			DisableCompression: true,
		}
	}
	t := base.Clone()
	t.DisableCompression = true
	return t
}

// Configured reports whether an upstream target is set.
func (f *Forwarder) Configured() bool {
	return f.target != ""
}

// TargetURL joins the upstream base with the request path and query.
func (f *Forwarder) TargetURL(rc domain.RequestContext) string {
	return f.target + rc.Path + rc.Query
}

// Forward sends r to targetURL and returns the raw upstream response. The
// outbound request shares r's context, so a client disconnect cancels it.
// Errors are returned as *domain.UpstreamError.
func (f *Forwarder) Forward(r *http.Request, targetURL string) (*http.Response, error) {
	if !f.Configured() {
		return nil, domain.ErrTargetNotConfigured
	}

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, body)
	if err != nil {
		return nil, &domain.UpstreamError{Target: targetURL, Err: err}
	}
	out.ContentLength = r.ContentLength
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		// Keep net/http from inventing a user agent the caller never sent.
		out.Header.Set("User-Agent", "")
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, &domain.UpstreamError{Target: targetURL, Err: err}
	}
	return resp, nil
}

// removeHopHeaders deletes hop-by-hop headers, including any named by
// Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
