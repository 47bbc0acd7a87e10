// Package proxy implements the transparent forwarding pipeline.
//
// Every request other than the health check flows through the same linear
// stages: context extraction, token inspection, forwarding to the single
// upstream, response sanitisation and one access log record. No stage keeps
// state between requests; the only shared values are the immutable upstream
// configuration and the concurrency-safe metrics instruments.
//
// Token inspection is an observability signal only. It never verifies a
// signature and never changes how a request is forwarded.
package proxy
