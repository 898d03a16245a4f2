package store

import (
	"context"
	"time"

	"github.com/finleyh/bass-hunter/internal/task"
)

// Repository persists tasks and their satellite records. Every method runs in
// its own scoped transaction which is rolled back on any error.
//
// Soft conditions are reported with the task package sentinels: task.ErrNotFound
// for absent ids (including "nothing to claim"), task.ErrInconsistentState for
// forbidden lifecycle edges and stale rows, task.ErrNotClaimed for lost claim
// races. Any other error is a persistence failure.
type Repository interface {
	// CreateTask inserts a pending task, resolving tags with get-or-create in
	// the same transaction.
	CreateTask(ctx context.Context, t task.NewTask, now time.Time) (int64, error)
	// ClaimPending moves the best pending task (priority desc, added_on asc) to
	// running under a row-level claim and returns it.
	ClaimPending(ctx context.Context, now time.Time) (task.Task, error)
	// UpdateStatus applies a validated status edge, stamping started_on and
	// completed_on at most once.
	UpdateStatus(ctx context.Context, id int64, status task.Status, now time.Time) error
	// SetRoute updates the network route label of a task.
	SetRoute(ctx context.Context, id int64, route string) error
	// ClaimForProcessing marks one unmarked completed task with instanceID and
	// returns its id after re-reading the marker.
	ClaimForProcessing(ctx context.Context, instanceID string) (int64, error)
	// GetTask loads one task with its tags.
	GetTask(ctx context.Context, id int64) (task.Task, error)
	// GetTasks loads the given ids in ascending id order, skipping absent ones.
	GetTasks(ctx context.Context, ids []int64) ([]task.Task, error)
	// ListTasks applies the filter; newest first unless Ascending.
	ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error)
	// CountTasks counts all tasks, or only those in status when it is non-empty.
	CountTasks(ctx context.Context, status task.Status) (int, error)
	// MinMaxTasks returns the earliest started_on and the latest completed_on.
	// Either is nil when no task carries the stamp.
	MinMaxTasks(ctx context.Context) (*time.Time, *time.Time, error)
	// DeleteTask removes the task and, in the same transaction, its errors,
	// images, crawler and tag links.
	DeleteTask(ctx context.Context, id int64) error

	// CreateCrawler binds a new init crawler to the task. An existing row for
	// the task is reported as task.ErrInconsistentState.
	CreateCrawler(ctx context.Context, taskID int64, name, userAgent string, now time.Time) (int64, error)
	// UpdateCrawlerStatus moves the task's crawler along its lifecycle.
	UpdateCrawlerStatus(ctx context.Context, taskID int64, status task.CrawlerStatus, now time.Time) error
	// StopCrawler moves the crawler to stopped and stamps shutdown_on.
	StopCrawler(ctx context.Context, crawlerID int64, now time.Time) error
	// DeleteCrawler hard-deletes a crawler row.
	DeleteCrawler(ctx context.Context, crawlerID int64) error
	// GetCrawler loads the crawler bound to the task.
	GetCrawler(ctx context.Context, taskID int64) (task.Crawler, error)

	// CreateError appends a failure entry for the task.
	CreateError(ctx context.Context, taskID int64, message, action string) (int64, error)
	// ListErrors returns the task's errors in insertion order.
	ListErrors(ctx context.Context, taskID int64) ([]task.ErrorRecord, error)

	// CreateSubmit records a submission.
	CreateSubmit(ctx context.Context, s task.NewSubmit, now time.Time) (int64, error)
	// GetSubmit loads a submission, with member tasks in id order when withTasks.
	GetSubmit(ctx context.Context, id int64, withTasks bool) (task.Submit, error)

	// UpsertDomain inserts a domain or returns the id of the one sharing its sha256.
	UpsertDomain(ctx context.Context, d task.Domain, now time.Time) (int64, error)
	ListDomains(ctx context.Context) ([]task.Domain, error)
	GetDomain(ctx context.Context, id int64) (task.Domain, error)
	DeleteDomain(ctx context.Context, id int64) error

	// CreateBrowser inserts a browser template with its tags.
	CreateBrowser(ctx context.Context, b task.Browser) (int64, error)
	ListBrowsers(ctx context.Context) ([]task.Browser, error)
	// GetBrowser loads a browser template by name.
	GetBrowser(ctx context.Context, name string) (task.Browser, error)

	CreateImage(ctx context.Context, img task.Image, now time.Time) (int64, error)
	ListImages(ctx context.Context, filter task.ImageFilter) ([]task.Image, error)

	// Close releases the underlying connections.
	Close() error
}
