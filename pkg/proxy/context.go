package proxy

import (
	"net/http"
	"strings"

	"github.com/polisai/polis-tap/pkg/domain"
)

// correlationHeaders maps inbound headers to the field names used in log
// records.
var correlationHeaders = []struct {
	header string
	field  string
}{
	{"Origin", domain.FieldOrigin},
	{"Referer", domain.FieldReferer},
	{"User-Agent", domain.FieldUserAgent},
	{"X-Forwarded-For", domain.FieldXForwardedFor},
	{"X-Forwarded-Host", domain.FieldXForwardedHost},
	{"X-Forwarded-Port", domain.FieldXForwardedPort},
	{"X-Real-Ip", domain.FieldXRealIP},
	{"X-Request-Id", domain.FieldXRequestID},
}

// ExtractContext builds the diagnostic view of r. Headers that are absent are
// left out of Fields; repeated headers are joined with ", ". The token status
// starts out absent and is filled in by the inspector.
func ExtractContext(r *http.Request) domain.RequestContext {
	fields := make(domain.Fields, len(correlationHeaders))
	for _, ch := range correlationHeaders {
		values, ok := r.Header[ch.header]
		if !ok || len(values) == 0 {
			continue
		}
		fields[ch.field] = strings.Join(values, ", ")
	}

	return domain.RequestContext{
		Method: r.Method,
		Path:   requestPath(r),
		Query:  requestQuery(r),
		Fields: fields,
		Token:  domain.TokenAbsent,
	}
}

func requestPath(r *http.Request) string {
	if r.URL == nil {
		return "/"
	}
	path := r.URL.EscapedPath()
	if path == "" {
		return "/"
	}
	return path
}

// requestQuery returns the raw query with its leading "?", or "" when the
// request has none. A bare trailing "?" counts as no query.
func requestQuery(r *http.Request) string {
	if r.URL == nil || r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}
