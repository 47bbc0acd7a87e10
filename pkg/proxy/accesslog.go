package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/telemetry"
)

const redacted = "[REDACTED]"

// redactedHeaders never appear in clear text in log records.
var redactedHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
}

// contextFieldOrder fixes the order sparse fields appear in records.
var contextFieldOrder = []string{
	domain.FieldOrigin,
	domain.FieldReferer,
	domain.FieldUserAgent,
	domain.FieldXForwardedFor,
	domain.FieldXForwardedHost,
	domain.FieldXForwardedPort,
	domain.FieldXRealIP,
	domain.FieldXRequestID,
}

// AccessRecord is everything the access log needs about one forwarded request.
type AccessRecord struct {
	Context   domain.RequestContext
	TargetURL string
	Outcome   domain.ProxyOutcome
	Duration  time.Duration
	// BodyErr is set when the relayed body could not be streamed in full.
	BodyErr error
}

// AccessLogger writes the per-request records.
type AccessLogger struct {
	logger *slog.Logger
}

// NewAccessLogger wraps logger. A nil logger uses slog.Default.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessLogger{logger: logger}
}

// Incoming emits the debug record describing a request about to be forwarded.
// Credentials in the header map are redacted.
func (l *AccessLogger) Incoming(ctx context.Context, r *http.Request, rc domain.RequestContext, targetURL string) {
	if !l.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, "incoming request",
		slog.String("method", rc.Method),
		slog.String("path", rc.Path),
		slog.String("query", rc.Query),
		slog.String("targetUrl", targetURL),
		slog.Any("headers", RedactHeaders(r.Header)),
	)
}

// Log emits the single primary record for a request. Relayed responses are
// logged at info, synthetic errors at error.
func (l *AccessLogger) Log(ctx context.Context, rec AccessRecord) {
	attrs := make([]slog.Attr, 0, 16)
	attrs = append(attrs, slog.String("method", rec.Context.Method))
	if rec.TargetURL != "" {
		attrs = append(attrs, slog.String("targetUrl", rec.TargetURL))
	}
	attrs = append(attrs, slog.String("path", rec.Context.Path))
	if rec.Context.Query != "" {
		attrs = append(attrs, slog.String("query", rec.Context.Query))
	}

	level := slog.LevelInfo
	msg := "request proxied"
	if rec.Outcome.Failed() {
		level = slog.LevelError
		msg = "proxy request failed"
		attrs = append(attrs, slog.String("error", rec.Outcome.Err.Error()))
		if traceID := telemetry.TraceIDFromContext(ctx); traceID != "" {
			attrs = append(attrs, slog.String("traceId", traceID))
		}
	} else {
		attrs = append(attrs, slog.Int("status", rec.Outcome.Status))
		if rec.Outcome.StatusText != "" {
			attrs = append(attrs, slog.String("statusText", rec.Outcome.StatusText))
		}
	}

	attrs = append(attrs, slog.String("duration", FormatDuration(rec.Duration)))
	if rec.Outcome.ContentType != "" {
		attrs = append(attrs, slog.String("contentType", rec.Outcome.ContentType))
	}

	for _, field := range contextFieldOrder {
		if v, ok := rec.Context.Fields.Get(field); ok {
			attrs = append(attrs, slog.String(field, v))
		}
	}
	if rec.Context.Token != "" && rec.Context.Token != domain.TokenAbsent {
		attrs = append(attrs, slog.String("tokenStatus", string(rec.Context.Token)))
	}
	if rec.BodyErr != nil {
		attrs = append(attrs, slog.String("bodyError", rec.BodyErr.Error()))
	}

	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

// FormatDuration renders d as whole milliseconds with an "ms" suffix.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

// RedactHeaders flattens h into a lower-cased map with credentials masked.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		name := strings.ToLower(k)
		if _, ok := redactedHeaders[name]; ok {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
