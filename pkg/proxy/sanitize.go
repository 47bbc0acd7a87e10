package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// SanitizedResponse is an upstream response ready to be relayed.
type SanitizedResponse struct {
	Header http.Header
	Body   io.ReadCloser
	// Decoded lists the content codings that were removed from Body, in the
	// order they were applied upstream.
	Decoded []string
	// Unsupported lists codings that could not be decoded. Body is left as
	// received when it is non-empty.
	Unsupported []string
}

// SanitizeResponse copies the relayable headers of resp and decodes its body
// so that it agrees with the stripped Content-Encoding header. Content-Encoding
// is removed in every case. resp.Body is owned by the returned value; on error
// it has already been closed.
func SanitizeResponse(resp *http.Response) (*SanitizedResponse, error) {
	header := make(http.Header, len(resp.Header))
	for key, values := range resp.Header {
		header[key] = append([]string(nil), values...)
	}
	removeHopHeaders(header)

	codings := contentCodings(resp.Header)
	header.Del("Content-Encoding")

	out := &SanitizedResponse{Header: header, Body: resp.Body}
	if len(codings) == 0 || !hasBody(resp) {
		return out, nil
	}

	for _, c := range codings {
		if !supportedCoding(c) {
			out.Unsupported = append(out.Unsupported, c)
		}
	}
	if len(out.Unsupported) > 0 {
		return out, nil
	}

	buffered := bufio.NewReader(resp.Body)
	if _, err := buffered.Peek(1); errors.Is(err, io.EOF) {
		return out, nil
	}

	body := &decodedBody{Reader: buffered, closers: []io.Closer{resp.Body}}
	for i := len(codings) - 1; i >= 0; i-- {
		dec, err := newDecoder(codings[i], body.Reader)
		if err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("decode %s response body: %w", codings[i], err)
		}
		body.Reader = dec
		body.closers = append(body.closers, dec)
	}

	header.Del("Content-Length")
	out.Body = body
	out.Decoded = codings
	return out, nil
}

// contentCodings returns the lower-cased codings in application order,
// skipping identity.
func contentCodings(h http.Header) []string {
	var codings []string
	for _, v := range h.Values("Content-Encoding") {
		for _, c := range strings.Split(v, ",") {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "" || c == "identity" {
				continue
			}
			codings = append(codings, c)
		}
	}
	return codings
}

func hasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified,
		resp.StatusCode >= 100 && resp.StatusCode < 200:
		return false
	}
	return resp.ContentLength != 0 && resp.Body != nil && resp.Body != http.NoBody
}

func supportedCoding(c string) bool {
	switch c {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

func newDecoder(coding string, r io.Reader) (io.ReadCloser, error) {
	switch coding {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return zlib.NewReader(r)
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported content coding %q", coding)
}

// decodedBody reads through a decoder chain and closes every layer.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
