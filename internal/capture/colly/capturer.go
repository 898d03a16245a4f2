// Package collycapture captures HTML snapshots of targets with gocolly.
package collycapture

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/finleyh/bass-hunter/internal/capture"
)

// DefaultContentType is recorded when the server omits Content-Type.
const DefaultContentType = "text/html; charset=utf-8"

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
}

// Capturer implements capture.Capturer using the Colly collector.
type Capturer struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ capture.Capturer = (*Capturer)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Capturer.
func New(cfg Config) *Capturer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Capturer{cfg: cfg, baseCollector: c}
}

// Mode reports "http".
func (c *Capturer) Mode() string { return "http" }

// Capture performs one GET of the target and returns the body.
func (c *Capturer) Capture(ctx context.Context, req capture.Request) (capture.Result, error) {
	req = req.WithDefaults()
	var (
		result     capture.Result
		captureErr error
	)
	collector := c.buildCollector(req, time.Now(), &result, &captureErr)
	if err := c.runCollector(ctx, collector, capture.TargetURL(req.Target), &captureErr); err != nil {
		return capture.Result{}, err
	}
	return result, nil
}

func (c *Capturer) buildCollector(
	req capture.Request,
	start time.Time,
	result *capture.Result,
	captureErr *error,
) *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.UserAgent = req.UserAgent
	collector.SetRequestTimeout(c.cfg.Timeout)
	configureHooks(collector, start, result, captureErr)
	return collector
}

func configureHooks(hooks collectorHooks, start time.Time, result *capture.Result, captureErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})

	hooks.OnResponse(func(r *colly.Response) {
		contentType := DefaultContentType
		if r.Headers != nil && r.Headers.Get("Content-Type") != "" {
			contentType = r.Headers.Get("Content-Type")
		}
		*result = capture.Result{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*captureErr = err
	})
}

func (c *Capturer) runCollector(ctx context.Context, collector *colly.Collector, url string, captureErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly capture canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *captureErr != nil {
			return fmt.Errorf("colly response failed: %w", *captureErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
