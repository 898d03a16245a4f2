package queue

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/hash"
	"github.com/finleyh/bass-hunter/internal/task"
)

// CrawlerStart registers a crawler for the task in init state. A crawler row
// already bound to the task is a stale leftover and yields 0.
func (s *Store) CrawlerStart(ctx context.Context, taskID int64, name, userAgent string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.CreateCrawler(ctx, taskID, name, userAgent, s.clock.Now())
	if err != nil {
		s.report("crawler_start", err, zap.Int64("task_id", taskID), zap.String("crawler", name))
		return 0
	}
	return id
}

// CrawlerSetStatus moves the task's crawler to status.
func (s *Store) CrawlerSetStatus(ctx context.Context, taskID int64, status task.CrawlerStatus) bool {
	if !status.Valid() {
		s.report("crawler_set_status", fmt.Errorf("%w: unknown crawler status %q", task.ErrInvalidInput, status),
			zap.Int64("task_id", taskID))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.UpdateCrawlerStatus(ctx, taskID, status, s.clock.Now()); err != nil {
		s.report("crawler_set_status", err, zap.Int64("task_id", taskID), zap.String("status", string(status)))
		return false
	}
	return true
}

// CrawlerStop records that the crawler finished. It never interrupts the worker.
func (s *Store) CrawlerStop(ctx context.Context, crawlerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.StopCrawler(ctx, crawlerID, s.clock.Now()); err != nil {
		s.report("crawler_stop", err, zap.Int64("crawler_id", crawlerID))
		return false
	}
	return true
}

// CrawlerRemove hard-deletes a crawler. Task status is left untouched.
func (s *Store) CrawlerRemove(ctx context.Context, crawlerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteCrawler(ctx, crawlerID); err != nil {
		s.report("crawler_remove", err, zap.Int64("crawler_id", crawlerID))
		return false
	}
	return true
}

// ViewCrawler returns the crawler bound to the task, or nil.
func (s *Store) ViewCrawler(ctx context.Context, taskID int64) *task.Crawler {
	c, err := s.repo.GetCrawler(ctx, taskID)
	if err != nil {
		s.report("view_crawler", err, zap.Int64("task_id", taskID))
		return nil
	}
	return &c
}

// AddError appends a failure entry for the task in its own transaction.
func (s *Store) AddError(ctx context.Context, taskID int64, message, action string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.CreateError(ctx, taskID, message, action)
	if err != nil {
		s.report("add_error", err, zap.Int64("task_id", taskID))
		return 0
	}
	return id
}

// ViewErrors returns the task's errors in insertion order.
func (s *Store) ViewErrors(ctx context.Context, taskID int64) []task.ErrorRecord {
	errs, err := s.repo.ListErrors(ctx, taskID)
	if err != nil {
		s.report("view_errors", err, zap.Int64("task_id", taskID))
		return []task.ErrorRecord{}
	}
	return errs
}

// AddSubmit records a submission and returns its id, or 0.
func (s *Store) AddSubmit(ctx context.Context, ns task.NewSubmit) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.CreateSubmit(ctx, ns, s.clock.Now())
	if err != nil {
		s.report("add_submit", err, zap.String("kind", ns.Kind))
		return 0
	}
	return id
}

// ViewSubmit returns a submission, with its tasks in id order when withTasks.
func (s *Store) ViewSubmit(ctx context.Context, id int64, withTasks bool) *task.Submit {
	sub, err := s.repo.GetSubmit(ctx, id, withTasks)
	if err != nil {
		s.report("view_submit", err, zap.Int64("submit_id", id))
		return nil
	}
	return &sub
}

// AddDomain records a monitored domain with its digests. Adding the same name
// twice returns the existing id.
func (s *Store) AddDomain(ctx context.Context, name string) int64 {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		s.report("add_domain", fmt.Errorf("%w: domain name is required", task.ErrInvalidInput))
		return 0
	}
	md5Hex, sha256Hex := hash.Domain(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.UpsertDomain(ctx, task.Domain{Name: name, MD5: md5Hex, SHA256: sha256Hex}, s.clock.Now())
	if err != nil {
		s.report("add_domain", err, zap.String("domain", name))
		return 0
	}
	return id
}

// ListDomains returns every monitored domain.
func (s *Store) ListDomains(ctx context.Context) []task.Domain {
	domains, err := s.repo.ListDomains(ctx)
	if err != nil {
		s.report("list_domains", err)
		return []task.Domain{}
	}
	return domains
}

// ViewDomain returns one domain, or nil.
func (s *Store) ViewDomain(ctx context.Context, id int64) *task.Domain {
	d, err := s.repo.GetDomain(ctx, id)
	if err != nil {
		s.report("view_domain", err, zap.Int64("domain_id", id))
		return nil
	}
	return &d
}

// DeleteDomain removes a domain.
func (s *Store) DeleteDomain(ctx context.Context, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteDomain(ctx, id); err != nil {
		s.report("delete_domain", err, zap.Int64("domain_id", id))
		return false
	}
	return true
}

// AddBrowser stores a worker template and returns its id, or 0.
func (s *Store) AddBrowser(ctx context.Context, b task.Browser) int64 {
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		s.report("add_browser", fmt.Errorf("%w: browser name is required", task.ErrInvalidInput))
		return 0
	}
	b.Tags = task.NormalizeTags(b.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.CreateBrowser(ctx, b)
	if err != nil {
		s.report("add_browser", err, zap.String("browser", b.Name))
		return 0
	}
	return id
}

// ListBrowsers returns every worker template.
func (s *Store) ListBrowsers(ctx context.Context) []task.Browser {
	browsers, err := s.repo.ListBrowsers(ctx)
	if err != nil {
		s.report("list_browsers", err)
		return []task.Browser{}
	}
	return browsers
}

// ViewBrowser returns the template called name, or nil.
func (s *Store) ViewBrowser(ctx context.Context, name string) *task.Browser {
	b, err := s.repo.GetBrowser(ctx, name)
	if err != nil {
		s.report("view_browser", err, zap.String("browser", name))
		return nil
	}
	return &b
}

// AddImage records a captured artifact for a task.
func (s *Store) AddImage(ctx context.Context, img task.Image) int64 {
	if img.URI == "" || img.Hash == "" {
		s.report("add_image", fmt.Errorf("%w: image uri and hash are required", task.ErrInvalidInput),
			zap.Int64("task_id", img.TaskID))
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.CreateImage(ctx, img, s.clock.Now())
	if err != nil {
		s.report("add_image", err, zap.Int64("task_id", img.TaskID))
		return 0
	}
	return id
}

// ListImages returns the images matching filter.
func (s *Store) ListImages(ctx context.Context, filter task.ImageFilter) []task.Image {
	images, err := s.repo.ListImages(ctx, filter)
	if err != nil {
		s.report("list_images", err)
		return []task.Image{}
	}
	return images
}
