package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/telemetry"
)

// AuthCookieName is the session cookie consulted when no bearer token is sent.
const AuthCookieName = "HYPER-AUTH-TOKEN"

// TokenAlertName is the alert value carried by token warning records.
const TokenAlertName = "JWT_INVALID"

const bearerPrefix = "Bearer "

// Token sources.
const (
	TokenSourceHeader = "header"
	TokenSourceCookie = "cookie"
)

var authCookiePattern = regexp.MustCompile(`(?:^|;\s*)` + regexp.QuoteMeta(AuthCookieName) + `=([^;]+)`)

// TokenInspector classifies the credential carried by a request and raises a
// warning for expired or malformed tokens. It never rejects a request.
type TokenInspector struct {
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewTokenInspector returns an inspector that reads the clock through now.
// A nil now uses time.Now.
func NewTokenInspector(logger *slog.Logger, metrics *Metrics, now func() time.Time) *TokenInspector {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TokenInspector{logger: logger, metrics: metrics, now: now}
}

// Inspect classifies the token on r and emits at most one warning record.
func (i *TokenInspector) Inspect(ctx context.Context, r *http.Request, rc domain.RequestContext) domain.TokenStatus {
	token, source := FindToken(r.Header)
	if source == "" {
		return domain.TokenAbsent
	}

	status := ClassifyToken(token, i.now())
	if !status.Alerting() {
		return status
	}

	attrs := []slog.Attr{
		slog.String("alert", TokenAlertName),
		slog.String("status", string(status)),
		slog.String("path", rc.Path),
		slog.String("method", rc.Method),
	}
	for _, field := range []string{domain.FieldXRealIP, domain.FieldXRequestID} {
		if v, ok := rc.Fields.Get(field); ok {
			attrs = append(attrs, slog.String(field, v))
		}
	}
	i.logger.LogAttrs(ctx, slog.LevelWarn, "token inspection alert", attrs...)

	i.metrics.RecordTokenAlert(status)
	telemetry.RecordTokenAlert(ctx, telemetry.TokenAlert{Status: status, Method: rc.Method, Source: source})

	return status
}

// FindToken returns the candidate token and where it came from. A bearer
// Authorization header wins over the session cookie. source is "" when the
// request carries neither.
func FindToken(h http.Header) (token, source string) {
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		if tok := strings.TrimSpace(auth[len(bearerPrefix):]); tok != "" {
			return tok, TokenSourceHeader
		}
	}

	for _, cookie := range h.Values("Cookie") {
		if m := authCookiePattern.FindStringSubmatch(cookie); m != nil {
			if tok := strings.TrimSpace(m[1]); tok != "" {
				return tok, TokenSourceCookie
			}
		}
	}

	return "", ""
}

// ClassifyToken decodes the payload of a three-segment token and checks its
// exp claim against now. The signature segment is ignored.
func ClassifyToken(token string, now time.Time) domain.TokenStatus {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return domain.TokenMalformed
	}

	payload, err := decodeSegment(segments[1])
	if err != nil {
		return domain.TokenMalformed
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil || claims == nil {
		return domain.TokenMalformed
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return domain.TokenValid
	}

	nowSeconds := float64(now.UnixMilli()) / 1000
	if exp < nowSeconds {
		return domain.TokenExpired
	}
	return domain.TokenValid
}

// decodeSegment accepts both base64 alphabets, with or without padding.
func decodeSegment(seg string) ([]byte, error) {
	seg = strings.TrimRight(seg, "=")
	if data, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(seg)
}
