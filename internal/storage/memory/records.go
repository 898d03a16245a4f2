package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/finleyh/bass-hunter/internal/task"
)

// CreateCrawler binds a new init crawler to the task.
func (r *Repository) CreateCrawler(
	_ context.Context,
	taskID int64,
	name, userAgent string,
	now time.Time,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; !ok {
		return 0, fmt.Errorf("create crawler: task %d: %w", taskID, task.ErrNotFound)
	}
	for _, c := range r.crawlers {
		if c.TaskID == taskID {
			return 0, fmt.Errorf("create crawler: task %d already bound to crawler %d: %w",
				taskID, c.ID, task.ErrInconsistentState)
		}
	}
	c := task.Crawler{
		ID:        r.newID(),
		TaskID:    taskID,
		Name:      name,
		UserAgent: userAgent,
		Status:    task.CrawlerInit,
		StartedOn: now,
	}
	r.crawlers[c.ID] = c
	return c.ID, nil
}

// UpdateCrawlerStatus moves the task's crawler along its lifecycle.
func (r *Repository) UpdateCrawlerStatus(
	_ context.Context,
	taskID int64,
	status task.CrawlerStatus,
	now time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.crawlers {
		if c.TaskID != taskID {
			continue
		}
		return r.moveCrawler(id, c, status, now)
	}
	return fmt.Errorf("update crawler of task %d: %w", taskID, task.ErrNotFound)
}

// StopCrawler moves the crawler to stopped.
func (r *Repository) StopCrawler(_ context.Context, crawlerID int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.crawlers[crawlerID]
	if !ok {
		return fmt.Errorf("stop crawler %d: %w", crawlerID, task.ErrNotFound)
	}
	return r.moveCrawler(crawlerID, c, task.CrawlerStopped, now)
}

func (r *Repository) moveCrawler(id int64, c task.Crawler, status task.CrawlerStatus, now time.Time) error {
	if err := task.CrawlerTransition(c.Status, status); err != nil {
		return fmt.Errorf("crawler %d: %w", id, err)
	}
	c.Status = status
	if status == task.CrawlerStopped {
		c.ShutdownOn = pointerTime(now)
	}
	r.crawlers[id] = c
	return nil
}

// DeleteCrawler removes the crawler row.
func (r *Repository) DeleteCrawler(_ context.Context, crawlerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.crawlers[crawlerID]; !ok {
		return fmt.Errorf("delete crawler %d: %w", crawlerID, task.ErrNotFound)
	}
	delete(r.crawlers, crawlerID)
	return nil
}

// GetCrawler loads the crawler bound to the task.
func (r *Repository) GetCrawler(_ context.Context, taskID int64) (task.Crawler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.crawlers {
		if c.TaskID == taskID {
			if c.ShutdownOn != nil {
				c.ShutdownOn = pointerTime(*c.ShutdownOn)
			}
			return c, nil
		}
	}
	return task.Crawler{}, fmt.Errorf("get crawler of task %d: %w", taskID, task.ErrNotFound)
}

// CreateError appends a failure entry.
func (r *Repository) CreateError(_ context.Context, taskID int64, message, action string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; !ok {
		return 0, fmt.Errorf("insert error: task %d: %w", taskID, task.ErrNotFound)
	}
	rec := task.ErrorRecord{ID: r.newID(), TaskID: taskID, Message: message, Action: action}
	r.errors = append(r.errors, rec)
	return rec.ID, nil
}

// ListErrors returns the task's errors in insertion order.
func (r *Repository) ListErrors(_ context.Context, taskID int64) ([]task.ErrorRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []task.ErrorRecord{}
	for _, e := range r.errors {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// CreateSubmit records a submission.
func (r *Repository) CreateSubmit(_ context.Context, s task.NewSubmit, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := task.Submit{
		ID:       r.newID(),
		Path:     s.Path,
		Kind:     s.Kind,
		Metadata: cloneMetadata(s.Metadata),
		AddedOn:  now,
	}
	r.submits[rec.ID] = rec
	return rec.ID, nil
}

// GetSubmit loads a submission and optionally its tasks.
func (r *Repository) GetSubmit(_ context.Context, id int64, withTasks bool) (task.Submit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.submits[id]
	if !ok {
		return task.Submit{}, fmt.Errorf("get submit %d: %w", id, task.ErrNotFound)
	}
	rec.Metadata = cloneMetadata(rec.Metadata)
	if !withTasks {
		return rec, nil
	}
	rec.Tasks = []task.Task{}
	for _, row := range r.tasks {
		if row.task.SubmitID != nil && *row.task.SubmitID == id {
			rec.Tasks = append(rec.Tasks, r.view(row))
		}
	}
	sort.Slice(rec.Tasks, func(i, j int) bool { return rec.Tasks[i].ID < rec.Tasks[j].ID })
	return rec, nil
}

// UpsertDomain inserts a domain unless one with the same sha256 exists.
func (r *Repository) UpsertDomain(_ context.Context, d task.Domain, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.domains {
		if existing.SHA256 == d.SHA256 {
			return id, nil
		}
	}
	d.ID = r.newID()
	d.AddedOn = now
	r.domains[d.ID] = d
	return d.ID, nil
}

// ListDomains returns domains in id order.
func (r *Repository) ListDomains(_ context.Context) ([]task.Domain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]task.Domain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDomain loads one domain.
func (r *Repository) GetDomain(_ context.Context, id int64) (task.Domain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.domains[id]
	if !ok {
		return task.Domain{}, fmt.Errorf("get domain %d: %w", id, task.ErrNotFound)
	}
	return d, nil
}

// DeleteDomain removes one domain.
func (r *Repository) DeleteDomain(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.domains[id]; !ok {
		return fmt.Errorf("delete domain %d: %w", id, task.ErrNotFound)
	}
	delete(r.domains, id)
	return nil
}

// CreateBrowser inserts a browser template. Names are unique.
func (r *Repository) CreateBrowser(_ context.Context, b task.Browser) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.browsers {
		if existing.browser.Name == b.Name {
			return 0, fmt.Errorf("insert browser: name %q already exists", b.Name)
		}
	}
	row := browserRow{
		browser: task.Browser{ID: r.newID(), Name: b.Name, UserAgent: b.UserAgent},
		tags:    r.resolveTags(b.Tags),
	}
	r.browsers[row.browser.ID] = row
	return row.browser.ID, nil
}

// ListBrowsers returns templates in id order.
func (r *Repository) ListBrowsers(_ context.Context) ([]task.Browser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]task.Browser, 0, len(r.browsers))
	for _, row := range r.browsers {
		b := row.browser
		b.Tags = r.tagList(row.tags)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetBrowser loads a template by name.
func (r *Repository) GetBrowser(_ context.Context, name string) (task.Browser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, row := range r.browsers {
		if row.browser.Name == name {
			b := row.browser
			b.Tags = r.tagList(row.tags)
			return b, nil
		}
	}
	return task.Browser{}, fmt.Errorf("get browser %q: %w", name, task.ErrNotFound)
}

// CreateImage records a captured artifact.
func (r *Repository) CreateImage(_ context.Context, img task.Image, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[img.TaskID]; !ok {
		return 0, fmt.Errorf("insert image: task %d: %w", img.TaskID, task.ErrNotFound)
	}
	img.ID = r.newID()
	img.AddedOn = now
	r.images = append(r.images, img)
	return img.ID, nil
}

// ListImages returns matching images in insertion order.
func (r *Repository) ListImages(_ context.Context, filter task.ImageFilter) ([]task.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []task.Image{}
	for _, img := range r.images {
		if filter.TaskID != 0 && img.TaskID != filter.TaskID {
			continue
		}
		if filter.Target != "" && img.Target != filter.Target {
			continue
		}
		out = append(out, img)
	}
	return out, nil
}

func cloneMetadata(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
