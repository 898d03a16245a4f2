package collycapture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/finleyh/bass-hunter/internal/capture"
)

func TestCaptureReturnsBodyAndContentType(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>parked</body></html>"))
	}))
	defer srv.Close()

	c := New(Config{Timeout: 5 * time.Second})
	res, err := c.Capture(context.Background(), capture.Request{Target: srv.URL, UserAgent: "bass-hunter-test"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/html", res.ContentType)
	require.Contains(t, string(res.Body), "parked")
	require.Equal(t, "bass-hunter-test", gotUA.Load())

	// The same target can be captured again.
	_, err = c.Capture(context.Background(), capture.Request{Target: srv.URL})
	require.NoError(t, err)
	require.Equal(t, capture.DefaultUserAgent, gotUA.Load())
}

func TestCaptureReportsServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(Config{}).Capture(context.Background(), capture.Request{Target: srv.URL})
	require.Error(t, err)
}

func TestCaptureHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Capture(ctx, capture.Request{Target: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureHooks(t *testing.T) {
	t.Parallel()

	var (
		result     capture.Result
		captureErr error
	)
	hooks := &stubHooks{}
	configureHooks(hooks, time.Unix(0, 0), &result, &captureErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Contains(t, req.Headers.Get("Accept"), "text/html")

	u, err := url.Parse("https://example.com")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, DefaultContentType, result.ContentType)
	require.Equal(t, "body", string(result.Body))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, captureErr, "boom")
}

func TestMode(t *testing.T) {
	t.Parallel()
	require.Equal(t, "http", New(Config{}).Mode())
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
