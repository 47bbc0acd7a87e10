// Package domain defines the core types shared by the polis-tap components.
//
// This package has no dependencies outside the Go standard library. It holds
// the per-request records (RequestContext, TokenStatus, ProxyOutcome) and the
// error taxonomy that the proxy pipeline converts into HTTP responses.
//
// The dependency direction is always:
//
//	proxy, config, telemetry → domain
package domain
