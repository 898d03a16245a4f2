// Package headless captures PNG screenshots of targets with headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/finleyh/bass-hunter/internal/capture"
)

// ContentType is the MIME type of every artifact this package produces.
const ContentType = "image/png"

// Config controls the behavior of the headless capturer.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
	// Settle is the pause after body is ready, letting late scripts paint.
	Settle time.Duration
}

// Capturer implements capture.Capturer using chromedp and headless Chrome.
type Capturer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ capture.Capturer = (*Capturer)(nil)

// New creates a headless capturer backed by chromedp. Chrome is not started
// until the first capture.
func New(cfg Config) (*Capturer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 25 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Capturer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (c *Capturer) Close() {
	c.allocCancel()
}

// Mode reports "headless".
func (c *Capturer) Mode() string { return "headless" }

// Capture navigates to the target and screenshots the viewport.
func (c *Capturer) Capture(ctx context.Context, req capture.Request) (capture.Result, error) {
	req = req.WithDefaults()
	if err := c.acquire(ctx); err != nil {
		return capture.Result{}, err
	}
	defer c.release()

	tabCtx, tabCancel := chromedp.NewContext(c.allocator)
	defer tabCancel()
	// Tie the tab to the caller's context as well as the allocator.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, c.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	shot, finalURL, err := c.run(tabCtx, req)
	if err != nil {
		return capture.Result{}, err
	}
	status, url := meta.snapshotWithFallbacks(capture.TargetURL(req.Target), finalURL)

	return capture.Result{
		URL:         url,
		StatusCode:  status,
		ContentType: ContentType,
		Body:        shot,
		Duration:    time.Since(start),
	}, nil
}

func (c *Capturer) run(ctx context.Context, req capture.Request) ([]byte, string, error) {
	var (
		shot     []byte
		finalURL string
	)
	actions := []chromedp.Action{
		c.emulationAction(req),
		chromedp.Navigate(capture.TargetURL(req.Target)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("capture screenshot: %w", err)
			}
			shot = buf
			return nil
		}),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, "", fmt.Errorf("chromedp run: %w", err)
	}
	return shot, finalURL, nil
}

func (c *Capturer) emulationAction(req capture.Request) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(req.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		err := emulation.SetDeviceMetricsOverride(req.ViewportWidth, req.ViewportHeight, 1, false).Do(ctx)
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

func (c *Capturer) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (c *Capturer) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}

// responseMeta records the main document response seen by the tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
