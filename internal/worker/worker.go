// Package worker implements the capture loop that drains pending tasks.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/capture"
	"github.com/finleyh/bass-hunter/internal/hash"
	"github.com/finleyh/bass-hunter/internal/metrics"
	"github.com/finleyh/bass-hunter/internal/storage"
	"github.com/finleyh/bass-hunter/internal/task"
)

// Error actions recorded in the task's error log.
const (
	ActionRegister  = "register"
	ActionRateLimit = "rate_limit"
	ActionCapture   = "capture"
	ActionStore     = "store"
)

// Queue is the slice of the queue facade a worker drives.
type Queue interface {
	Fetch(ctx context.Context) *task.Task
	SetStatus(ctx context.Context, id int64, status task.Status) bool
	CrawlerStart(ctx context.Context, taskID int64, name, userAgent string) int64
	CrawlerSetStatus(ctx context.Context, taskID int64, status task.CrawlerStatus) bool
	CrawlerStop(ctx context.Context, crawlerID int64) bool
	AddError(ctx context.Context, taskID int64, message, action string) int64
	AddImage(ctx context.Context, img task.Image) int64
	ViewBrowser(ctx context.Context, name string) *task.Browser
}

// Limiter spaces out captures per domain.
type Limiter interface {
	Wait(ctx context.Context, target string) error
}

// Config controls Worker behavior.
type Config struct {
	// Name is the crawler name recorded when no browser template is set.
	Name string
	// Browser names a stored template supplying the crawler name and user agent.
	Browser        string
	UserAgent      string
	ViewportWidth  int64
	ViewportHeight int64
	PollInterval   time.Duration
	CaptureTimeout time.Duration
	BlobPrefix     string
}

// Worker fetches pending tasks, captures their targets and records the result.
type Worker struct {
	queue    Queue
	capturer capture.Capturer
	blobs    storage.BlobStore
	limiter  Limiter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. limiter may be nil.
func New(
	queue Queue,
	capturer capture.Capturer,
	blobs storage.BlobStore,
	limiter Limiter,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if queue == nil || capturer == nil || blobs == nil {
		return nil, errors.New("worker requires a queue, a capturer and a blob store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 30 * time.Second
	}
	return &Worker{
		queue:    queue,
		capturer: capturer,
		blobs:    blobs,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.Named("worker").With(zap.String("crawler", cfg.Name)),
	}, nil
}

// Run blocks, processing tasks until the context finishes. An empty queue is
// polled every PollInterval.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if w.RunOnce(ctx) {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

// RunOnce processes at most one task and reports whether one was fetched.
func (w *Worker) RunOnce(ctx context.Context) bool {
	t := w.queue.Fetch(ctx)
	if t == nil {
		return false
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.Int64("task_id", t.ID), zap.String("target", t.Target))
	logger.Info("task fetched")

	// Bookkeeping must land even when shutdown cancels the capture.
	record := context.WithoutCancel(ctx)

	name, userAgent := w.identity(record)
	crawlerID := w.queue.CrawlerStart(record, t.ID, name, userAgent)
	if crawlerID == 0 {
		w.fail(record, logger, t.ID, 0, ActionRegister, errors.New("crawler registration failed"))
		return true
	}
	w.queue.CrawlerSetStatus(record, t.ID, task.CrawlerRunning)

	if err := w.process(ctx, t, userAgent); err != nil {
		var stepErr *stepError
		action := ActionCapture
		if errors.As(err, &stepErr) {
			action = stepErr.action
		}
		w.fail(record, logger, t.ID, crawlerID, action, err)
		return true
	}

	if !w.queue.SetStatus(record, t.ID, task.StatusCompleted) {
		logger.Warn("task could not be marked completed")
	}
	w.queue.CrawlerStop(record, crawlerID)
	logger.Info("task completed")
	return true
}

type stepError struct {
	action string
	err    error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.action, e.err) }

func (e *stepError) Unwrap() error { return e.err }

func step(action string, err error) error {
	return &stepError{action: action, err: err}
}

func (w *Worker) process(ctx context.Context, t *task.Task, userAgent string) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, t.Target); err != nil {
			return step(ActionRateLimit, err)
		}
	}

	captureCtx, cancel := context.WithTimeout(ctx, w.cfg.CaptureTimeout)
	defer cancel()
	start := time.Now()
	res, err := w.capturer.Capture(captureCtx, capture.Request{
		Target:         t.Target,
		UserAgent:      userAgent,
		ViewportWidth:  w.cfg.ViewportWidth,
		ViewportHeight: w.cfg.ViewportHeight,
	})
	metrics.ObserveCapture(w.capturer.Mode(), time.Since(start))
	if err != nil {
		return step(ActionCapture, err)
	}
	if len(res.Body) == 0 {
		return step(ActionCapture, errors.New("empty capture"))
	}

	sum := hash.SHA256(res.Body)
	path := storage.ImagePath(w.cfg.BlobPrefix, t.ID, sum, res.ContentType)
	uri, err := w.blobs.PutObject(ctx, path, res.ContentType, bytes.NewReader(res.Body))
	if err != nil {
		return step(ActionStore, fmt.Errorf("put object: %w", err))
	}
	img := task.Image{
		TaskID:      t.ID,
		Target:      t.Target,
		Hash:        sum,
		URI:         uri,
		ContentType: res.ContentType,
	}
	if w.queue.AddImage(ctx, img) == 0 {
		return step(ActionStore, errors.New("image record rejected"))
	}
	return nil
}

// identity resolves the crawler name and user agent, preferring the configured
// browser template.
func (w *Worker) identity(ctx context.Context) (string, string) {
	name, userAgent := w.cfg.Name, w.cfg.UserAgent
	if w.cfg.Browser == "" {
		return name, userAgent
	}
	b := w.queue.ViewBrowser(ctx, w.cfg.Browser)
	if b == nil {
		w.logger.Warn("browser template not found, using defaults", zap.String("browser", w.cfg.Browser))
		return name, userAgent
	}
	if b.UserAgent != "" {
		userAgent = b.UserAgent
	}
	return b.Name, userAgent
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, taskID, crawlerID int64, action string, err error) {
	logger.Error("task failed", zap.String("action", action), zap.Error(err))
	w.queue.AddError(ctx, taskID, err.Error(), action)
	w.queue.SetStatus(ctx, taskID, task.StatusFailed)
	if crawlerID != 0 {
		w.queue.CrawlerStop(ctx, crawlerID)
	}
}
