package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
)

// Client-facing error bodies.
const (
	errorTargetNotConfigured   = "Proxy target not configured"
	messageTargetNotConfigured = "TARGET_SERVICE environment variable is required"
	errorProxyFailed           = "Proxy request failed"
)

const copyBufferSize = 32 * 1024

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	Upstream  config.UpstreamConfig
	Transport http.RoundTripper
	Logger    *slog.Logger
	Metrics   *Metrics
	// Started is the process start time reported as uptime by the health check.
	Started time.Time
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Handler routes health checks and forwards everything else to the upstream.
type Handler struct {
	health    *HealthHandler
	inspector *TokenInspector
	forwarder *Forwarder
	access    *AccessLogger
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewHandler validates the upstream configuration and assembles the pipeline.
// An empty upstream target is accepted; such a handler answers every
// non-health request with 500.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	upstream := cfg.Upstream
	if err := upstream.Validate(); err != nil {
		return nil, fmt.Errorf("proxy handler: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Handler{
		health:    NewHealthHandler(cfg.Started, now),
		inspector: NewTokenInspector(logger, cfg.Metrics, now),
		forwarder: NewForwarder(upstream.Target, upstream.Timeout, cfg.Transport),
		access:    NewAccessLogger(logger),
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == HealthPath {
		h.metrics.RecordHealthCheck()
		h.health.ServeHTTP(w, r)
		return
	}
	h.serveProxy(w, r)
}

func (h *Handler) serveProxy(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	ctx := r.Context()
	rec := &statusRecorder{ResponseWriter: w}

	rc := ExtractContext(r)
	rc = rc.WithToken(h.inspector.Inspect(ctx, r, rc))

	if !h.forwarder.Configured() {
		writeErrorResponse(rec, http.StatusInternalServerError, domain.ErrorResponse{
			Error:   errorTargetNotConfigured,
			Message: messageTargetNotConfigured,
		})
		outcome := domain.ProxyOutcome{
			Status: http.StatusInternalServerError,
			Err:    domain.ErrTargetNotConfigured,
		}
		elapsed := h.now().Sub(start)
		h.access.Log(ctx, AccessRecord{Context: rc, Outcome: outcome, Duration: elapsed})
		h.metrics.ObserveRequest(rc.Method, outcome, elapsed)
		return
	}

	targetURL := h.forwarder.TargetURL(rc)
	h.access.Incoming(ctx, r, rc, targetURL)

	done := h.metrics.RequestStarted()
	outcome, bodyErr := h.forward(rec, r, targetURL)
	done()

	elapsed := h.now().Sub(start)
	h.access.Log(ctx, AccessRecord{
		Context:   rc,
		TargetURL: targetURL,
		Outcome:   outcome,
		Duration:  elapsed,
		BodyErr:   bodyErr,
	})
	h.metrics.ObserveRequest(rc.Method, outcome, elapsed)
}

// forward performs the upstream exchange and relays the response. A panic
// before the response is committed becomes a 502; after that point it can only
// be reported as a body error.
func (h *Handler) forward(w *statusRecorder, r *http.Request, targetURL string) (outcome domain.ProxyOutcome, bodyErr error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if p == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
			panic(p)
		}
		err := &domain.UpstreamError{Target: targetURL, Err: fmt.Errorf("panic: %v", p)}
		h.metrics.RecordUpstreamError(ReasonPanic)
		if w.wroteHeader {
			bodyErr = err
			return
		}
		outcome = h.fail(w, err)
	}()

	resp, err := h.forwarder.Forward(r, targetURL)
	if err != nil {
		h.metrics.RecordUpstreamError(ReasonTransport)
		return h.fail(w, err), nil
	}

	clean, err := SanitizeResponse(resp)
	if err != nil {
		h.metrics.RecordUpstreamError(ReasonDecode)
		return h.fail(w, &domain.UpstreamError{Target: targetURL, Err: err}), nil
	}
	defer clean.Body.Close()

	for _, coding := range clean.Unsupported {
		h.metrics.RecordUndecodedBody(coding)
		h.logger.WarnContext(r.Context(), "relaying body in unsupported content coding",
			"coding", coding,
			"targetUrl", targetURL,
		)
	}

	dst := w.Header()
	for key, values := range clean.Header {
		dst[key] = values
	}
	w.WriteHeader(resp.StatusCode)

	outcome = domain.ProxyOutcome{
		Status:      resp.StatusCode,
		StatusText:  reasonPhrase(resp),
		ContentType: resp.Header.Get("Content-Type"),
	}
	return outcome, copyBody(w, clean.Body)
}

func (h *Handler) fail(w *statusRecorder, err error) domain.ProxyOutcome {
	writeErrorResponse(w, http.StatusBadGateway, domain.ErrorResponse{
		Error:   errorProxyFailed,
		Message: err.Error(),
	})
	return domain.ProxyOutcome{Status: http.StatusBadGateway, Err: err}
}

// copyBody streams src to w, flushing after every chunk so event streams are
// not held back.
func copyBody(w *statusRecorder, src io.Reader) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write response body: %w", err)
			}
			w.Flush()
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read upstream body: %w", readErr)
		}
	}
}

// reasonPhrase extracts the upstream reason phrase from the status line.
func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text, ok := strings.CutPrefix(resp.Status, code+" "); ok {
		return text
	}
	if resp.Status != "" && resp.Status != code {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}

// writeErrorResponse writes a JSON error body unless the response is already
// committed.
func writeErrorResponse(w *statusRecorder, status int, body domain.ErrorResponse) {
	if w.wroteHeader {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		payload = []byte(`{"error":"` + errorProxyFailed + `"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
