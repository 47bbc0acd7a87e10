package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tap/pkg/domain"
)

func TestForwarder_TargetURL(t *testing.T) {
	tests := []struct {
		base string
		path string
		qs   string
		want string
	}{
		{"http://backend:8080", "/api/x", "?a=1", "http://backend:8080/api/x?a=1"},
		{"http://backend:8080/", "/api/x", "", "http://backend:8080/api/x"},
		{"https://svc.internal/v2", "/users", "", "https://svc.internal/v2/users"},
	}

	for _, tt := range tests {
		f := NewForwarder(tt.base, 0, nil)
		got := f.TargetURL(domain.RequestContext{Path: tt.path, Query: tt.qs})
		assert.Equal(t, tt.want, got)
	}
}

func TestForwarder_Unconfigured(t *testing.T) {
	f := NewForwarder("", 0, nil)
	assert.False(t, f.Configured())

	_, err := f.Forward(httptest.NewRequest("GET", "/", nil), "/")
	assert.ErrorIs(t, err, domain.ErrTargetNotConfigured)
}

func TestForwarder_TransparentRequest(t *testing.T) {
	type seen struct {
		method string
		uri    string
		header http.Header
		body   string
	}
	got := make(chan seen, 1)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{method: r.Method, uri: r.RequestURI, header: r.Header.Clone(), body: string(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	f := NewForwarder(upstream.URL, 0, nil)
	in := httptest.NewRequest("PATCH", "/items/7?fields=a,b", strings.NewReader(`{"n":1}`))
	in.Header.Set("Content-Type", "application/json")
	in.Header.Set("Authorization", "Bearer a.b.c")
	in.Header.Set("X-Custom", "kept")
	in.Header.Set("Connection", "X-Drop-Me")
	in.Header.Set("X-Drop-Me", "hop")

	target := f.TargetURL(ExtractContext(in))
	resp, err := f.Forward(in, target)
	require.NoError(t, err)
	resp.Body.Close()

	s := <-got
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "PATCH", s.method)
	assert.Equal(t, "/items/7?fields=a,b", s.uri)
	assert.Equal(t, `{"n":1}`, s.body)
	assert.Equal(t, "application/json", s.header.Get("Content-Type"))
	assert.Equal(t, "Bearer a.b.c", s.header.Get("Authorization"))
	assert.Equal(t, "kept", s.header.Get("X-Custom"))
	assert.Empty(t, s.header.Get("X-Drop-Me"))
	assert.Empty(t, s.header.Get("User-Agent"))
	assert.Empty(t, s.header.Get("Accept-Encoding"))
}

func TestForwarder_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	f := NewForwarder(upstream.URL, 0, nil)
	in := httptest.NewRequest("GET", "/start", nil)
	resp, err := f.Forward(in, f.TargetURL(ExtractContext(in)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestForwarder_ConnectionRefused(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	base := upstream.URL
	upstream.Close()

	f := NewForwarder(base, 0, nil)
	in := httptest.NewRequest("GET", "/", nil)
	_, err := f.Forward(in, f.TargetURL(ExtractContext(in)))
	require.Error(t, err)

	var upErr *domain.UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
	assert.Equal(t, base+"/", upErr.Target)
}

func TestForwarder_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := NewForwarder(upstream.URL, 50*time.Millisecond, nil)
	in := httptest.NewRequest("GET", "/slow", nil)
	_, err := f.Forward(in, f.TargetURL(ExtractContext(in)))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnreachable)
}

func TestForwarder_PropagatesCancellation(t *testing.T) {
	entered := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	in := httptest.NewRequest("GET", "/wait", nil).WithContext(ctx)

	f := NewForwarder(upstream.URL, 0, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := f.Forward(in, f.TargetURL(ExtractContext(in)))
		errCh <- err
	}()

	<-entered
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("forward did not return after cancellation")
	}
}
