// Package processor hands completed tasks to downstream analysis. Each
// instance claims completed tasks under its own id, publishes a notification
// and moves the task to reported.
package processor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/publisher"
	"github.com/finleyh/bass-hunter/internal/task"
)

// ActionNotify labels publish failures in the task's error log.
const ActionNotify = "notify"

// Queue is the slice of the queue facade a processor drives.
type Queue interface {
	ClaimForProcessing(ctx context.Context, instanceID string) int64
	ViewTask(ctx context.Context, id int64) *task.Task
	ListImages(ctx context.Context, filter task.ImageFilter) []task.Image
	SetStatus(ctx context.Context, id int64, status task.Status) bool
	AddError(ctx context.Context, taskID int64, message, action string) int64
}

// Clock stamps notifications.
type Clock interface {
	Now() time.Time
}

// Config controls Processor behavior.
type Config struct {
	InstanceID   string
	Topic        string
	PollInterval time.Duration
}

// ImageRef points at one captured artifact.
type ImageRef struct {
	URI         string `json:"uri"`
	Hash        string `json:"hash"`
	ContentType string `json:"content_type"`
}

// Notification is the message published for a completed task.
type Notification struct {
	TaskID      int64             `json:"task_id"`
	Target      string            `json:"target"`
	Package     string            `json:"package,omitempty"`
	Owner       string            `json:"owner,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Tags        []string          `json:"tags"`
	SubmitID    *int64            `json:"submit_id,omitempty"`
	StartedOn   *time.Time        `json:"started_on,omitempty"`
	CompletedOn *time.Time        `json:"completed_on,omitempty"`
	Duration    int64             `json:"duration"`
	Images      []ImageRef        `json:"images"`
	InstanceID  string            `json:"instance_id"`
	PublishedAt time.Time         `json:"published_at"`
}

// Processor claims completed tasks and publishes notifications for them.
type Processor struct {
	queue  Queue
	pub    publisher.Publisher
	clock  Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Processor.
func New(queue Queue, pub publisher.Publisher, clock Clock, cfg Config, logger *zap.Logger) (*Processor, error) {
	if queue == nil || pub == nil || clock == nil {
		return nil, errors.New("processor requires a queue, a publisher and a clock")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("processor instance id is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("processor topic is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		queue:  queue,
		pub:    pub,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("processor").With(zap.String("instance_id", cfg.InstanceID)),
	}, nil
}

// Run blocks, processing completed tasks until the context finishes.
func (p *Processor) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if p.RunOnce(ctx) {
			timer.Reset(0)
			continue
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// RunOnce claims and handles at most one task. It reports whether a task was
// claimed.
func (p *Processor) RunOnce(ctx context.Context) bool {
	id := p.queue.ClaimForProcessing(ctx, p.cfg.InstanceID)
	if id == 0 {
		return false
	}
	logger := p.logger.With(zap.Int64("task_id", id))
	record := context.WithoutCancel(ctx)

	t := p.queue.ViewTask(record, id)
	if t == nil {
		logger.Warn("claimed task vanished before processing")
		return true
	}
	n := p.notification(*t, p.queue.ListImages(record, task.ImageFilter{TaskID: id}))

	msgID, err := p.pub.Publish(ctx, p.cfg.Topic, n)
	if err != nil {
		logger.Error("publish notification failed", zap.Error(err))
		p.queue.AddError(record, id, err.Error(), ActionNotify)
		p.queue.SetStatus(record, id, task.StatusFailed)
		return true
	}
	if !p.queue.SetStatus(record, id, task.StatusReported) {
		logger.Warn("task could not be marked reported", zap.String("message_id", msgID))
		return true
	}
	logger.Info("task reported", zap.String("message_id", msgID), zap.Int("images", len(n.Images)))
	return true
}

func (p *Processor) notification(t task.Task, images []task.Image) Notification {
	refs := make([]ImageRef, 0, len(images))
	for _, img := range images {
		refs = append(refs, ImageRef{URI: img.URI, Hash: img.Hash, ContentType: img.ContentType})
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return Notification{
		TaskID:      t.ID,
		Target:      t.Target,
		Package:     t.Package,
		Owner:       t.Owner,
		Options:     t.Options,
		Tags:        tags,
		SubmitID:    t.SubmitID,
		StartedOn:   t.StartedOn,
		CompletedOn: t.CompletedOn,
		Duration:    t.Duration(),
		Images:      refs,
		InstanceID:  p.cfg.InstanceID,
		PublishedAt: p.clock.Now(),
	}
}
