package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/api"
	"github.com/finleyh/bass-hunter/internal/capture"
	collycapture "github.com/finleyh/bass-hunter/internal/capture/colly"
	"github.com/finleyh/bass-hunter/internal/capture/headless"
	"github.com/finleyh/bass-hunter/internal/clock/system"
	"github.com/finleyh/bass-hunter/internal/config"
	"github.com/finleyh/bass-hunter/internal/dispatcher"
	"github.com/finleyh/bass-hunter/internal/id/uuid"
	"github.com/finleyh/bass-hunter/internal/metrics"
	"github.com/finleyh/bass-hunter/internal/processor"
	"github.com/finleyh/bass-hunter/internal/publisher"
	memorypublisher "github.com/finleyh/bass-hunter/internal/publisher/memory"
	pubsubpublisher "github.com/finleyh/bass-hunter/internal/publisher/pubsub"
	"github.com/finleyh/bass-hunter/internal/queue"
	"github.com/finleyh/bass-hunter/internal/ratelimit"
	"github.com/finleyh/bass-hunter/internal/storage"
	"github.com/finleyh/bass-hunter/internal/storage/gcs"
	"github.com/finleyh/bass-hunter/internal/storage/local"
	"github.com/finleyh/bass-hunter/internal/storage/memory"
	"github.com/finleyh/bass-hunter/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, capture workers and post-processor",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, appInstance)
		}),
	}
}

// closer releases a runtime dependency at shutdown.
type closer func()

func runServe(ctx context.Context, appInstance App) error {
	cfg := appInstance.Config()
	logger := appInstance.Logger()
	q := appInstance.Queue()
	metrics.Init()

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeBlobs()

	capturer, closeCapturer, err := buildCapturer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCapturer()

	runners, closeRunners, err := buildRunners(ctx, cfg, q, capturer, blobs, logger)
	if err != nil {
		return err
	}
	defer closeRunners()
	dispatch := dispatcher.New(runners, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(q, cfg.Auth, logger).Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		logger.Info("dispatcher started", zap.Int("runners", dispatch.Len()))
		dispatch.Run(runCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutdown initiated")
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("runners did not drain before the shutdown deadline")
	}
	logger.Info("shutdown complete")
	return runErr
}

func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, closer, error) {
	switch cfg.Backend {
	case config.StorageLocal:
		s, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local blob store: %w", err)
		}
		return s, func() {}, nil
	case config.StorageGCS:
		s, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				zap.L().Warn("close gcs blob store", zap.Error(err))
			}
		}, nil
	case config.StorageMemory:
		return memory.NewBlobStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("storage.backend %q is not supported", cfg.Backend)
	}
}

// buildCapturer falls back to a capturer that fails every task when headless
// Chrome cannot be set up, so failures land in each task's error log.
func buildCapturer(cfg config.Config, logger *zap.Logger) (capture.Capturer, closer, error) {
	switch cfg.Capture.Mode {
	case config.CaptureHeadless:
		c, err := headless.New(headless.Config{
			MaxParallel:       cfg.Capture.MaxParallel,
			NavigationTimeout: cfg.CaptureBudget(),
		})
		if err != nil {
			logger.Warn("headless capturer init failed", zap.Error(err))
			return capture.Noop{}, func() {}, nil
		}
		return c, c.Close, nil
	case config.CaptureHTTP:
		return collycapture.New(collycapture.Config{Timeout: cfg.CaptureBudget()}), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("capture.mode %q is not supported", cfg.Capture.Mode)
	}
}

// buildRunners creates the capture workers and, when enabled, the
// post-processor.
func buildRunners(
	ctx context.Context,
	cfg config.Config,
	q *queue.Store,
	capturer capture.Capturer,
	blobs storage.BlobStore,
	logger *zap.Logger,
) ([]dispatcher.Runner, closer, error) {
	limiter := ratelimit.New(ratelimit.Config{
		RatePerSecond: cfg.Worker.RatePerSecond,
		Burst:         cfg.Worker.Burst,
	})
	runners := make([]dispatcher.Runner, 0, cfg.Worker.Concurrency+1)
	for i := range cfg.Worker.Concurrency {
		w, err := worker.New(q, capturer, blobs, limiter, worker.Config{
			Name:           fmt.Sprintf("worker-%d", i+1),
			Browser:        cfg.Worker.Browser,
			UserAgent:      cfg.Worker.UserAgent,
			ViewportWidth:  cfg.Worker.ViewportWidth,
			ViewportHeight: cfg.Worker.ViewportHeight,
			PollInterval:   cfg.WorkerPollInterval(),
			CaptureTimeout: cfg.CaptureBudget(),
			BlobPrefix:     cfg.Storage.Prefix,
		}, logger.With(zap.Int("index", i)))
		if err != nil {
			return nil, nil, fmt.Errorf("init worker %d: %w", i+1, err)
		}
		runners = append(runners, w)
	}
	if !cfg.Processor.Enabled {
		return runners, func() {}, nil
	}

	pub, closePub, err := buildPublisher(ctx, cfg.PubSub, logger)
	if err != nil {
		return nil, nil, err
	}
	instanceID, err := uuid.New().InstanceID(cfg.Processor.InstanceID)
	if err != nil {
		closePub()
		return nil, nil, fmt.Errorf("processor instance id: %w", err)
	}
	topic := cfg.Processor.Topic
	if cfg.PubSub.TopicName != "" {
		topic = cfg.PubSub.TopicName
	}
	p, err := processor.New(q, pub, system.New(), processor.Config{
		InstanceID:   instanceID,
		Topic:        topic,
		PollInterval: cfg.ProcessorPollInterval(),
	}, logger)
	if err != nil {
		closePub()
		return nil, nil, fmt.Errorf("init processor: %w", err)
	}
	return append(runners, p), closePub, nil
}

// buildPublisher dials Pub/Sub when a project is configured and otherwise keeps
// notifications in memory.
func buildPublisher(ctx context.Context, cfg config.PubSubConfig, logger *zap.Logger) (publisher.Publisher, closer, error) {
	if cfg.ProjectID == "" {
		logger.Warn("pubsub.project_id not set, notifications stay in memory")
		return memorypublisher.New(), func() {}, nil
	}
	pub, err := pubsubpublisher.Open(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close pubsub publisher", zap.Error(err))
		}
	}, nil
}
