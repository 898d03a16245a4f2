package task

import "fmt"

// Status is the lifecycle state of a Task.
type Status string

const (
	// StatusPending is the initial state of every added task.
	StatusPending Status = "pending"
	// StatusRunning marks a task claimed by a worker.
	StatusRunning Status = "running"
	// StatusCompleted marks a task whose capture finished.
	StatusCompleted Status = "completed"
	// StatusReported marks a completed task handed to post-processing.
	StatusReported Status = "reported"
	// StatusRecovered marks a failed task salvaged by an operator.
	StatusRecovered Status = "recovered"
	// StatusFailed is reachable from any non-terminal state.
	StatusFailed Status = "failed"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusReported,
	StatusRecovered,
	StatusFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusReported, StatusRecovered, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no ordinary transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReported, StatusFailed, StatusRecovered:
		return true
	default:
		return false
	}
}

// ParseStatus converts a raw value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether a task may move from one status to another.
// failed -> recovered is the only edge leaving a terminal state.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusReported || to == StatusFailed
	case StatusFailed:
		return to == StatusRecovered
	default:
		return false
	}
}

// Transition validates the edge from -> to.
func Transition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CrawlerStatus is the lifecycle state of a Crawler.
type CrawlerStatus string

const (
	// CrawlerInit is the state of a freshly started crawler.
	CrawlerInit CrawlerStatus = "init"
	// CrawlerRunning marks a crawler executing its task.
	CrawlerRunning CrawlerStatus = "running"
	// CrawlerStopped is terminal and stamps shutdown_on.
	CrawlerStopped CrawlerStatus = "stopped"
)

// Valid reports whether s is a known crawler status.
func (s CrawlerStatus) Valid() bool {
	return s == CrawlerInit || s == CrawlerRunning || s == CrawlerStopped
}

// CanCrawlerTransition reports whether a crawler may move between two states.
func CanCrawlerTransition(from, to CrawlerStatus) bool {
	switch from {
	case CrawlerInit:
		return to == CrawlerRunning || to == CrawlerStopped
	case CrawlerRunning:
		return to == CrawlerStopped
	default:
		return false
	}
}

// CrawlerTransition validates the crawler edge from -> to.
func CrawlerTransition(from, to CrawlerStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown crawler status %q", ErrInvalidTransition, to)
	}
	if !CanCrawlerTransition(from, to) {
		return fmt.Errorf("%w: crawler %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
