package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/finleyh/bass-hunter/internal/task"
)

// CreateCrawler binds a new init crawler to the task.
func (r *Repository) CreateCrawler(
	ctx context.Context,
	taskID int64,
	name, userAgent string,
	now time.Time,
) (int64, error) {
	m := crawlerModel{
		TaskID:    taskID,
		Name:      name,
		UserAgent: userAgent,
		Status:    string(task.CrawlerInit),
		StartedOn: utc(now),
	}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		var t taskModel
		if err := tx.Select("id").Take(&t, taskID).Error; err != nil {
			return translate(fmt.Sprintf("lock task %d", taskID), err)
		}
		var existing crawlerModel
		err := tx.Select("id").Where("task_id = ?", taskID).Take(&existing).Error
		switch {
		case err == nil:
			return fmt.Errorf("create crawler: task %d already bound to crawler %d: %w",
				taskID, existing.ID, task.ErrInconsistentState)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("select crawler of task %d: %w", taskID, err)
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert crawler: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// UpdateCrawlerStatus moves the task's crawler along its lifecycle.
func (r *Repository) UpdateCrawlerStatus(
	ctx context.Context,
	taskID int64,
	status task.CrawlerStatus,
	now time.Time,
) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		var c crawlerModel
		if err := tx.Where("task_id = ?", taskID).Take(&c).Error; err != nil {
			return translate(fmt.Sprintf("lock crawler of task %d", taskID), err)
		}
		return moveCrawler(tx, c, status, now)
	})
}

// StopCrawler moves the crawler to stopped and stamps shutdown_on.
func (r *Repository) StopCrawler(ctx context.Context, crawlerID int64, now time.Time) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		var c crawlerModel
		if err := tx.Take(&c, crawlerID).Error; err != nil {
			return translate(fmt.Sprintf("lock crawler %d", crawlerID), err)
		}
		return moveCrawler(tx, c, task.CrawlerStopped, now)
	})
}

func moveCrawler(tx *gorm.DB, c crawlerModel, status task.CrawlerStatus, now time.Time) error {
	if err := task.CrawlerTransition(task.CrawlerStatus(c.Status), status); err != nil {
		return fmt.Errorf("crawler %d: %w", c.ID, err)
	}
	updates := map[string]any{"status": string(status)}
	if status == task.CrawlerStopped {
		updates["shutdown_on"] = utc(now)
	}
	if err := tx.Model(&crawlerModel{}).Where("id = ?", c.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update crawler %d: %w", c.ID, err)
	}
	return nil
}

// DeleteCrawler hard-deletes a crawler.
func (r *Repository) DeleteCrawler(ctx context.Context, crawlerID int64) error {
	res := r.db.WithContext(ctx).Delete(&crawlerModel{}, crawlerID)
	if res.Error != nil {
		return fmt.Errorf("delete crawler %d: %w", crawlerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete crawler %d: %w", crawlerID, task.ErrNotFound)
	}
	return nil
}

// GetCrawler loads the crawler bound to the task.
func (r *Repository) GetCrawler(ctx context.Context, taskID int64) (task.Crawler, error) {
	var c crawlerModel
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&c).Error; err != nil {
		return task.Crawler{}, translate(fmt.Sprintf("get crawler of task %d", taskID), err)
	}
	return c.toCrawler(), nil
}

// CreateError appends a failure entry.
func (r *Repository) CreateError(ctx context.Context, taskID int64, message, action string) (int64, error) {
	m := errorModel{TaskID: taskID, Message: message, Action: action}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		var t taskModel
		if err := tx.Select("id").Take(&t, taskID).Error; err != nil {
			return translate(fmt.Sprintf("insert error: task %d", taskID), err)
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ListErrors returns the task's errors in insertion order.
func (r *Repository) ListErrors(ctx context.Context, taskID int64) ([]task.ErrorRecord, error) {
	var rows []errorModel
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	out := make([]task.ErrorRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, task.ErrorRecord{ID: m.ID, TaskID: m.TaskID, Message: m.Message, Action: m.Action})
	}
	return out, nil
}

// CreateSubmit records a submission.
func (r *Repository) CreateSubmit(ctx context.Context, s task.NewSubmit, now time.Time) (int64, error) {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal submit metadata: %w", err)
	}
	m := submitModel{Path: s.Path, Kind: s.Kind, Metadata: string(data), AddedOn: utc(now)}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, fmt.Errorf("insert submit: %w", err)
	}
	return m.ID, nil
}

// GetSubmit loads a submission, optionally with its tasks in id order.
func (r *Repository) GetSubmit(ctx context.Context, id int64, withTasks bool) (task.Submit, error) {
	db := r.db.WithContext(ctx)
	var m submitModel
	if err := db.Take(&m, id).Error; err != nil {
		return task.Submit{}, translate(fmt.Sprintf("get submit %d", id), err)
	}
	s := task.Submit{ID: m.ID, Path: m.Path, Kind: m.Kind, AddedOn: m.AddedOn, Metadata: map[string]any{}}
	if m.Metadata != "" {
		if err := json.Unmarshal([]byte(m.Metadata), &s.Metadata); err != nil {
			return task.Submit{}, fmt.Errorf("unmarshal submit metadata: %w", err)
		}
	}
	if !withTasks {
		return s, nil
	}
	var rows []taskModel
	if err := db.Where("submit_id = ?", id).Order("id").Find(&rows).Error; err != nil {
		return task.Submit{}, fmt.Errorf("list submit tasks: %w", err)
	}
	tasks, err := withTags(db, rows)
	if err != nil {
		return task.Submit{}, err
	}
	s.Tasks = tasks
	return s, nil
}

// UpsertDomain inserts a domain or returns the row sharing its sha256.
func (r *Repository) UpsertDomain(ctx context.Context, d task.Domain, now time.Time) (int64, error) {
	m := domainModel{Name: d.Name, MD5: d.MD5, SHA256: d.SHA256, AddedOn: utc(now)}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sha256"}},
			DoNothing: true,
		}).Create(&m).Error
		if err != nil {
			return fmt.Errorf("upsert domain: %w", err)
		}
		if m.ID != 0 {
			return nil
		}
		if err := tx.Where("sha256 = ?", d.SHA256).Take(&m).Error; err != nil {
			return fmt.Errorf("upsert domain: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ListDomains returns every domain in id order.
func (r *Repository) ListDomains(ctx context.Context) ([]task.Domain, error) {
	var rows []domainModel
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	out := make([]task.Domain, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// GetDomain loads one domain.
func (r *Repository) GetDomain(ctx context.Context, id int64) (task.Domain, error) {
	var m domainModel
	if err := r.db.WithContext(ctx).Take(&m, id).Error; err != nil {
		return task.Domain{}, translate(fmt.Sprintf("get domain %d", id), err)
	}
	return m.toDomain(), nil
}

// DeleteDomain removes one domain.
func (r *Repository) DeleteDomain(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&domainModel{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete domain %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete domain %d: %w", id, task.ErrNotFound)
	}
	return nil
}

// CreateBrowser inserts a template and its tags in one transaction.
func (r *Repository) CreateBrowser(ctx context.Context, b task.Browser) (int64, error) {
	m := browserModel{Name: b.Name, UserAgent: b.UserAgent}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert browser: %w", err)
		}
		for _, name := range task.NormalizeTags(b.Tags) {
			tagID, err := upsertTag(tx, name)
			if err != nil {
				return err
			}
			if err := tx.Create(&browserTagModel{BrowserID: m.ID, TagID: tagID}).Error; err != nil {
				return fmt.Errorf("attach browser tag %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ListBrowsers returns every template in id order.
func (r *Repository) ListBrowsers(ctx context.Context) ([]task.Browser, error) {
	db := r.db.WithContext(ctx)
	var rows []browserModel
	if err := db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list browsers: %w", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.ID)
	}
	tags, err := tagsFor(db, "browsers_tags", "browser_id", ids)
	if err != nil {
		return nil, err
	}
	out := make([]task.Browser, 0, len(rows))
	for _, m := range rows {
		out = append(out, toBrowser(m, tags[m.ID]))
	}
	return out, nil
}

// GetBrowser loads a template by name.
func (r *Repository) GetBrowser(ctx context.Context, name string) (task.Browser, error) {
	db := r.db.WithContext(ctx)
	var m browserModel
	if err := db.Where("name = ?", name).Take(&m).Error; err != nil {
		return task.Browser{}, translate(fmt.Sprintf("get browser %q", name), err)
	}
	tags, err := tagsFor(db, "browsers_tags", "browser_id", []int64{m.ID})
	if err != nil {
		return task.Browser{}, err
	}
	return toBrowser(m, tags[m.ID]), nil
}

func toBrowser(m browserModel, tags []string) task.Browser {
	if tags == nil {
		tags = []string{}
	}
	return task.Browser{ID: m.ID, Name: m.Name, UserAgent: m.UserAgent, Tags: tags}
}

// CreateImage records a captured artifact.
func (r *Repository) CreateImage(ctx context.Context, img task.Image, now time.Time) (int64, error) {
	m := imageModel{
		TaskID:      img.TaskID,
		Target:      img.Target,
		Hash:        img.Hash,
		URI:         img.URI,
		ContentType: img.ContentType,
		AddedOn:     utc(now),
	}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		var t taskModel
		if err := tx.Select("id").Take(&t, img.TaskID).Error; err != nil {
			return translate(fmt.Sprintf("insert image: task %d", img.TaskID), err)
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ListImages returns matching images in id order.
func (r *Repository) ListImages(ctx context.Context, filter task.ImageFilter) ([]task.Image, error) {
	q := r.db.WithContext(ctx).Model(&imageModel{})
	if filter.TaskID != 0 {
		q = q.Where("task_id = ?", filter.TaskID)
	}
	if filter.Target != "" {
		q = q.Where("target = ?", filter.Target)
	}
	var rows []imageModel
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]task.Image, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toImage())
	}
	return out, nil
}
