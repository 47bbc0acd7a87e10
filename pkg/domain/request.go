package domain

// TokenStatus is the structural verdict on a bearer or session token.
// It carries no trust guarantee: signatures are never checked.
type TokenStatus string

// Token statuses.
const (
	TokenAbsent    TokenStatus = "absent"
	TokenValid     TokenStatus = "valid"
	TokenExpired   TokenStatus = "expired"
	TokenMalformed TokenStatus = "malformed"
)

// Alerting reports whether the status should raise a token warning.
func (s TokenStatus) Alerting() bool {
	return s == TokenExpired || s == TokenMalformed
}

// Correlation field names, as they appear in log records.
const (
	FieldOrigin         = "origin"
	FieldReferer        = "referer"
	FieldUserAgent      = "userAgent"
	FieldXForwardedFor  = "xForwardedFor"
	FieldXForwardedHost = "xForwardedHost"
	FieldXForwardedPort = "xForwardedPort"
	FieldXRealIP        = "xRealIp"
	FieldXRequestID     = "xRequestId"
)

// Fields is a sparse set of correlation values. A field whose source header
// was absent has no key; it is never stored as an empty string.
type Fields map[string]string

// Get returns the field value and whether it was present.
func (f Fields) Get(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

// RequestContext is the read-only diagnostic view of one inbound request.
type RequestContext struct {
	Method string
	Path   string
	// Query is the raw query string including the leading "?", or empty.
	Query  string
	Fields Fields
	Token  TokenStatus
}

// WithToken returns a copy of the context carrying the given token status.
func (c RequestContext) WithToken(status TokenStatus) RequestContext {
	c.Token = status
	return c
}

// ProxyOutcome is what a single proxied request resolved to.
type ProxyOutcome struct {
	// Status is the HTTP status returned to the caller.
	Status int
	// StatusText is the upstream reason phrase for relayed responses.
	StatusText  string
	ContentType string
	// Err is set for synthetic error outcomes.
	Err error
}

// Failed reports whether the outcome is a synthetic error.
func (o ProxyOutcome) Failed() bool {
	return o.Err != nil
}
