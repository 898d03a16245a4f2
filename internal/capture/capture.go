// Package capture defines how a task target is turned into an artifact.
package capture

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Default viewport and user agent applied when a request leaves them unset.
const (
	DefaultViewportWidth  int64 = 1366
	DefaultViewportHeight int64 = 728
	DefaultUserAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// ErrNotConfigured is returned by the placeholder capturer.
var ErrNotConfigured = errors.New("capturer not configured")

// Request describes one capture.
type Request struct {
	Target         string
	UserAgent      string
	ViewportWidth  int64
	ViewportHeight int64
}

// WithDefaults fills unset fields.
func (r Request) WithDefaults() Request {
	if r.UserAgent == "" {
		r.UserAgent = DefaultUserAgent
	}
	if r.ViewportWidth <= 0 {
		r.ViewportWidth = DefaultViewportWidth
	}
	if r.ViewportHeight <= 0 {
		r.ViewportHeight = DefaultViewportHeight
	}
	return r
}

// Result is the captured artifact.
type Result struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Capturer produces an artifact for a target.
type Capturer interface {
	Capture(ctx context.Context, req Request) (Result, error)
	// Mode labels the capturer in metrics and image records.
	Mode() string
}

// TargetURL turns a bare domain into a fetchable URL.
func TargetURL(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		return target
	}
	return "http://" + target
}

// Noop fails every capture. It stands in when no browser is available.
type Noop struct{}

// Capture always fails.
func (Noop) Capture(context.Context, Request) (Result, error) {
	return Result{}, ErrNotConfigured
}

// Mode reports "noop".
func (Noop) Mode() string { return "noop" }
