package task

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPriority is applied when a new task does not set one.
const DefaultPriority = 1

// Task is one unit of scheduled domain analysis work.
type Task struct {
	// ID is the store-assigned identifier.
	ID int64 `json:"id"`
	// Target is the domain to analyze.
	Target string `json:"target"`
	// Package selects the analysis category.
	Package string `json:"package,omitempty"`
	// Options holds decoded key/value settings.
	Options map[string]string `json:"options"`
	// Owner identifies who queued the task.
	Owner string `json:"owner,omitempty"`
	// Priority orders fetches; higher runs first.
	Priority int `json:"priority"`
	// Route is an optional network route label.
	Route string `json:"route,omitempty"`
	// AddedOn is when the task was queued.
	AddedOn time.Time `json:"added_on"`
	// StartedOn is stamped once on entering running.
	StartedOn *time.Time `json:"started_on,omitempty"`
	// CompletedOn is stamped once on entering completed.
	CompletedOn *time.Time `json:"completed_on,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// SubmitID links the task to the submission that created it.
	SubmitID *int64 `json:"submit_id,omitempty"`
	// Processing holds the post-processing instance that claimed the task.
	Processing string `json:"processing,omitempty"`
	// Tags are the attached tag names ordered by name.
	Tags []string `json:"tags"`
}

// Duration returns the whole seconds between start and completion, or -1 when
// either stamp is missing.
func (t Task) Duration() int64 {
	if t.StartedOn == nil || t.CompletedOn == nil {
		return -1
	}
	return int64(t.CompletedOn.Sub(*t.StartedOn) / time.Second)
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	cp := t
	cp.Options = cloneOptions(t.Options)
	cp.StartedOn = cloneTime(t.StartedOn)
	cp.CompletedOn = cloneTime(t.CompletedOn)
	if t.SubmitID != nil {
		id := *t.SubmitID
		cp.SubmitID = &id
	}
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	return cp
}

func (t Task) String() string {
	return fmt.Sprintf("<Task(%d,%q)>", t.ID, t.Target)
}

// NewTask carries the caller-supplied fields of a task to enqueue.
type NewTask struct {
	Target   string
	Package  string
	Options  map[string]string
	Owner    string
	Priority int
	Tags     []string
	SubmitID *int64
}

// Normalize trims the target, applies the default priority and cleans tags.
func (n NewTask) Normalize() (NewTask, error) {
	n.Target = strings.TrimSpace(n.Target)
	if n.Target == "" {
		return NewTask{}, fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	if n.Priority == 0 {
		n.Priority = DefaultPriority
	}
	n.Package = strings.TrimSpace(n.Package)
	n.Owner = strings.TrimSpace(n.Owner)
	n.Tags = NormalizeTags(n.Tags)
	opts, err := normalizeOptions(n.Options)
	if err != nil {
		return NewTask{}, err
	}
	n.Options = opts
	return n, nil
}

// ListFilter narrows ListTasks. Zero values disable a filter.
type ListFilter struct {
	Status      Status
	Owner       string
	Package     string
	AddedAfter  *time.Time
	AddedBefore *time.Time
	Limit       int
	Offset      int
	// Ascending lists oldest first instead of the default newest first.
	Ascending bool
}

// Tag is a deduplicated label.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Crawler tracks the worker instance bound to a task.
type Crawler struct {
	ID         int64         `json:"id"`
	TaskID     int64         `json:"task_id"`
	Name       string        `json:"name"`
	UserAgent  string        `json:"user_agent"`
	Status     CrawlerStatus `json:"status"`
	StartedOn  time.Time     `json:"started_on"`
	ShutdownOn *time.Time    `json:"shutdown_on,omitempty"`
}

// ErrorRecord is one append-only failure entry for a task.
type ErrorRecord struct {
	ID      int64  `json:"id"`
	TaskID  int64  `json:"task_id"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Submit groups the tasks created by one external submission.
type Submit struct {
	ID       int64          `json:"id"`
	Path     string         `json:"path"`
	Kind     string         `json:"kind"`
	Metadata map[string]any `json:"metadata"`
	AddedOn  time.Time      `json:"added_on"`
	// Tasks is only populated when the submit is viewed with its tasks.
	Tasks []Task `json:"tasks,omitempty"`
}

// NewSubmit carries the fields of a submission to record.
type NewSubmit struct {
	Path     string
	Kind     string
	Metadata map[string]any
}

// Domain is a monitored domain name with its digests.
type Domain struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	MD5     string    `json:"md5"`
	SHA256  string    `json:"sha256"`
	AddedOn time.Time `json:"added_on"`
}

// Browser is a worker template: the crawler name and user agent a worker
// presents, plus routing tags.
type Browser struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	UserAgent string   `json:"user_agent"`
	Tags      []string `json:"tags"`
}

// Image records one captured artifact for a task.
type Image struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	Target      string    `json:"target"`
	Hash        string    `json:"hash"`
	URI         string    `json:"uri"`
	ContentType string    `json:"content_type"`
	AddedOn     time.Time `json:"added_on"`
}

// ImageFilter narrows ListImages. Zero values disable a filter.
type ImageFilter struct {
	TaskID int64
	Target string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneOptions(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
