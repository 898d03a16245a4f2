package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/finleyh/bass-hunter/internal/task"
)

// Repository is an in-process store.Repository for development and tests.
// Its mutex stands in for row locks, so each claim is atomic.
type Repository struct {
	mu sync.RWMutex

	nextID   int64
	tasks    map[int64]*taskRow
	tagIDs   map[string]int64
	tagNames map[int64]string
	crawlers map[int64]task.Crawler
	errors   []task.ErrorRecord
	submits  map[int64]task.Submit
	domains  map[int64]task.Domain
	browsers map[int64]browserRow
	images   []task.Image
}

// taskRow keeps options in their encoded form, as the SQL backends do.
type taskRow struct {
	task    task.Task
	options string
	tags    []int64
}

type browserRow struct {
	browser task.Browser
	tags    []int64
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		tasks:    make(map[int64]*taskRow),
		tagIDs:   make(map[string]int64),
		tagNames: make(map[int64]string),
		crawlers: make(map[int64]task.Crawler),
		submits:  make(map[int64]task.Submit),
		domains:  make(map[int64]task.Domain),
		browsers: make(map[int64]browserRow),
	}
}

// Close is a no-op.
func (r *Repository) Close() error {
	return nil
}

func (r *Repository) newID() int64 {
	r.nextID++
	return r.nextID
}

// CreateTask stores a pending task and lazily creates its tags.
func (r *Repository) CreateTask(_ context.Context, t task.NewTask, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.SubmitID != nil {
		if _, ok := r.submits[*t.SubmitID]; !ok {
			return 0, fmt.Errorf("insert task: submit %d: %w", *t.SubmitID, task.ErrNotFound)
		}
	}
	row := &taskRow{
		task: task.Task{
			Target:   t.Target,
			Package:  t.Package,
			Owner:    t.Owner,
			Priority: t.Priority,
			AddedOn:  now,
			Status:   task.StatusPending,
		},
		options: task.EncodeOptions(t.Options),
		tags:    r.resolveTags(t.Tags),
	}
	if t.SubmitID != nil {
		id := *t.SubmitID
		row.task.SubmitID = &id
	}
	row.task.ID = r.newID()
	r.tasks[row.task.ID] = row
	return row.task.ID, nil
}

func (r *Repository) resolveTags(names []string) []int64 {
	ids := make([]int64, 0, len(names))
	for _, name := range task.NormalizeTags(names) {
		id, ok := r.tagIDs[name]
		if !ok {
			id = r.newID()
			r.tagIDs[name] = id
			r.tagNames[id] = name
		}
		ids = append(ids, id)
	}
	return ids
}

func (r *Repository) tagList(ids []int64) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, r.tagNames[id])
	}
	sort.Strings(names)
	return names
}

func (r *Repository) view(row *taskRow) task.Task {
	t := row.task.Clone()
	t.Options = task.DecodeOptions(row.options)
	t.Tags = r.tagList(row.tags)
	return t
}

// ClaimPending moves the best pending task to running.
func (r *Repository) ClaimPending(_ context.Context, now time.Time) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *taskRow
	for _, row := range r.tasks {
		if row.task.Status != task.StatusPending {
			continue
		}
		if best == nil || fetchesBefore(row.task, best.task) {
			best = row
		}
	}
	if best == nil {
		return task.Task{}, fmt.Errorf("claim pending: %w", task.ErrNotFound)
	}
	best.task.Status = task.StatusRunning
	if best.task.StartedOn == nil {
		best.task.StartedOn = pointerTime(now)
	}
	return r.view(best), nil
}

func fetchesBefore(a, b task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AddedOn.Equal(b.AddedOn) {
		return a.AddedOn.Before(b.AddedOn)
	}
	return a.ID < b.ID
}

// UpdateStatus applies a validated status edge.
func (r *Repository) UpdateStatus(_ context.Context, id int64, status task.Status, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("update status of task %d: %w", id, task.ErrNotFound)
	}
	if err := task.Transition(row.task.Status, status); err != nil {
		return fmt.Errorf("update status of task %d: %w", id, err)
	}
	row.task.Status = status
	switch status {
	case task.StatusRunning:
		if row.task.StartedOn == nil {
			row.task.StartedOn = pointerTime(now)
		}
	case task.StatusCompleted:
		if row.task.CompletedOn == nil {
			row.task.CompletedOn = pointerTime(now)
		}
	}
	return nil
}

// SetRoute updates the route label.
func (r *Repository) SetRoute(_ context.Context, id int64, route string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("set route of task %d: %w", id, task.ErrNotFound)
	}
	row.task.Route = route
	return nil
}

// ClaimForProcessing marks the oldest unmarked completed task.
func (r *Repository) ClaimForProcessing(_ context.Context, instanceID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *taskRow
	for _, row := range r.tasks {
		if row.task.Status != task.StatusCompleted || row.task.Processing != "" {
			continue
		}
		if best == nil || completesBefore(row.task, best.task) {
			best = row
		}
	}
	if best == nil {
		return 0, fmt.Errorf("claim for processing: %w", task.ErrNotFound)
	}
	best.task.Processing = instanceID
	return best.task.ID, nil
}

func completesBefore(a, b task.Task) bool {
	switch {
	case a.CompletedOn == nil || b.CompletedOn == nil:
		return a.ID < b.ID
	case !a.CompletedOn.Equal(*b.CompletedOn):
		return a.CompletedOn.Before(*b.CompletedOn)
	default:
		return a.ID < b.ID
	}
}

// GetTask loads one task.
func (r *Repository) GetTask(_ context.Context, id int64) (task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.tasks[id]
	if !ok {
		return task.Task{}, fmt.Errorf("get task %d: %w", id, task.ErrNotFound)
	}
	return r.view(row), nil
}

// GetTasks loads the ids that exist, in ascending id order.
func (r *Repository) GetTasks(_ context.Context, ids []int64) ([]task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]task.Task, 0, len(sorted))
	var last int64
	for i, id := range sorted {
		if i > 0 && id == last {
			continue
		}
		last = id
		if row, ok := r.tasks[id]; ok {
			out = append(out, r.view(row))
		}
	}
	return out, nil
}

// ListTasks applies the filter.
func (r *Repository) ListTasks(_ context.Context, filter task.ListFilter) ([]task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*taskRow, 0, len(r.tasks))
	for _, row := range r.tasks {
		if matches(row.task, filter) {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].task, matched[j].task
		if !a.AddedOn.Equal(b.AddedOn) {
			if filter.Ascending {
				return a.AddedOn.Before(b.AddedOn)
			}
			return a.AddedOn.After(b.AddedOn)
		}
		if filter.Ascending {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []task.Task{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]task.Task, 0, len(matched))
	for _, row := range matched {
		out = append(out, r.view(row))
	}
	return out, nil
}

func matches(t task.Task, f task.ListFilter) bool {
	switch {
	case f.Status != "" && t.Status != f.Status:
		return false
	case f.Owner != "" && t.Owner != f.Owner:
		return false
	case f.Package != "" && t.Package != f.Package:
		return false
	case f.AddedAfter != nil && t.AddedOn.Before(*f.AddedAfter):
		return false
	case f.AddedBefore != nil && !t.AddedOn.Before(*f.AddedBefore):
		return false
	}
	return true
}

// CountTasks counts tasks, optionally by status.
func (r *Repository) CountTasks(_ context.Context, status task.Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if status == "" {
		return len(r.tasks), nil
	}
	n := 0
	for _, row := range r.tasks {
		if row.task.Status == status {
			n++
		}
	}
	return n, nil
}

// MinMaxTasks returns the earliest start and latest completion.
func (r *Repository) MinMaxTasks(_ context.Context) (*time.Time, *time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var minStarted, maxCompleted *time.Time
	for _, row := range r.tasks {
		if s := row.task.StartedOn; s != nil && (minStarted == nil || s.Before(*minStarted)) {
			minStarted = pointerTime(*s)
		}
		if c := row.task.CompletedOn; c != nil && (maxCompleted == nil || c.After(*maxCompleted)) {
			maxCompleted = pointerTime(*c)
		}
	}
	return minStarted, maxCompleted, nil
}

// DeleteTask removes the task and its dependent rows.
func (r *Repository) DeleteTask(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("delete task %d: %w", id, task.ErrNotFound)
	}
	kept := r.errors[:0]
	for _, e := range r.errors {
		if e.TaskID != id {
			kept = append(kept, e)
		}
	}
	r.errors = kept

	keptImages := r.images[:0]
	for _, img := range r.images {
		if img.TaskID != id {
			keptImages = append(keptImages, img)
		}
	}
	r.images = keptImages

	for cid, c := range r.crawlers {
		if c.TaskID == id {
			delete(r.crawlers, cid)
		}
	}
	delete(r.tasks, id)
	return nil
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
