package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/logging"
)

func newTestLogger(level string) (*bytes.Buffer, *bytes.Buffer, *AccessLogger) {
	var stdout, stderr bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: level, Stdout: &stdout, Stderr: &stderr})
	return &stdout, &stderr, NewAccessLogger(logger)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0ms", FormatDuration(0))
	assert.Equal(t, "0ms", FormatDuration(-time.Second))
	assert.Equal(t, "12ms", FormatDuration(12*time.Millisecond+900*time.Microsecond))
	assert.Equal(t, "1500ms", FormatDuration(1500*time.Millisecond))
}

func TestAccessLogger_Relayed(t *testing.T) {
	stdout, stderr, l := newTestLogger("info")

	rc := domain.RequestContext{
		Method: "GET",
		Path:   "/a",
		Query:  "?x=1",
		Fields: domain.Fields{domain.FieldXRequestID: "req-9", domain.FieldUserAgent: "k6"},
		Token:  domain.TokenValid,
	}
	l.Log(context.Background(), AccessRecord{
		Context:   rc,
		TargetURL: "http://backend/a?x=1",
		Outcome:   domain.ProxyOutcome{Status: 201, StatusText: "Created", ContentType: "application/json"},
		Duration:  42 * time.Millisecond,
	})

	assert.Empty(t, stderr.String())
	records := decodeRecords(t, stdout)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "GET", rec["method"])
	assert.Equal(t, "http://backend/a?x=1", rec["targetUrl"])
	assert.Equal(t, "/a", rec["path"])
	assert.Equal(t, "?x=1", rec["query"])
	assert.Equal(t, float64(201), rec["status"])
	assert.Equal(t, "Created", rec["statusText"])
	assert.Equal(t, "42ms", rec["duration"])
	assert.Equal(t, "application/json", rec["contentType"])
	assert.Equal(t, "req-9", rec["xRequestId"])
	assert.Equal(t, "k6", rec["userAgent"])
	assert.Equal(t, "valid", rec["tokenStatus"])
	assert.NotContains(t, rec, "error")
	assert.NotContains(t, rec, "xRealIp")
	assert.Contains(t, rec, logging.TimestampKey)
}

func TestAccessLogger_Failed(t *testing.T) {
	stdout, stderr, l := newTestLogger("info")

	l.Log(context.Background(), AccessRecord{
		Context:   domain.RequestContext{Method: "POST", Path: "/b", Fields: domain.Fields{}},
		TargetURL: "http://backend/b",
		Outcome: domain.ProxyOutcome{
			Status: http.StatusBadGateway,
			Err:    &domain.UpstreamError{Err: errors.New("connection refused")},
		},
		Duration: 3 * time.Millisecond,
	})

	assert.Empty(t, stdout.String())
	records := decodeRecords(t, stderr)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "connection refused", rec["error"])
	assert.Equal(t, "3ms", rec["duration"])
	assert.NotContains(t, rec, "status")
	assert.NotContains(t, rec, "query")
	assert.NotContains(t, rec, "tokenStatus")
}

func TestAccessLogger_BodyError(t *testing.T) {
	stdout, _, l := newTestLogger("info")

	l.Log(context.Background(), AccessRecord{
		Context:  domain.RequestContext{Method: "GET", Path: "/c"},
		Outcome:  domain.ProxyOutcome{Status: 200},
		BodyErr:  errors.New("read upstream body: unexpected EOF"),
		Duration: time.Millisecond,
	})

	records := decodeRecords(t, stdout)
	require.Len(t, records, 1)
	assert.Equal(t, "read upstream body: unexpected EOF", records[0]["bodyError"])
}

func TestAccessLogger_IncomingRedactsCredentials(t *testing.T) {
	stdout, _, l := newTestLogger("debug")

	r := httptest.NewRequest("GET", "/d?y=2", nil)
	r.Header.Set("Authorization", "Bearer secret.token.value")
	r.Header.Set("Cookie", "HYPER-AUTH-TOKEN=secret")
	r.Header.Set("Accept", "text/html")

	l.Incoming(context.Background(), r, ExtractContext(r), "http://backend/d?y=2")

	records := decodeRecords(t, stdout)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "incoming request", rec["msg"])

	headers, ok := rec["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", headers["authorization"])
	assert.Equal(t, "[REDACTED]", headers["cookie"])
	assert.Equal(t, "text/html", headers["accept"])
	assert.NotContains(t, stdout.String(), "secret")
}

func TestAccessLogger_IncomingOffAtInfo(t *testing.T) {
	stdout, stderr, l := newTestLogger("info")

	r := httptest.NewRequest("GET", "/", nil)
	l.Incoming(context.Background(), r, ExtractContext(r), "http://backend/")

	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())
}
