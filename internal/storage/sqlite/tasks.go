package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/finleyh/bass-hunter/internal/task"
)

// CreateTask inserts a pending task and attaches its tags in one transaction.
func (r *Repository) CreateTask(ctx context.Context, t task.NewTask, now time.Time) (int64, error) {
	m := taskModel{
		Target:   t.Target,
		Package:  t.Package,
		Options:  task.EncodeOptions(t.Options),
		Owner:    t.Owner,
		Priority: t.Priority,
		AddedOn:  utc(now),
		Status:   string(task.StatusPending),
		SubmitID: t.SubmitID,
	}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		if t.SubmitID != nil {
			var s submitModel
			if err := tx.Select("id").Take(&s, *t.SubmitID).Error; err != nil {
				return translate(fmt.Sprintf("insert task: submit %d", *t.SubmitID), err)
			}
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for _, name := range task.NormalizeTags(t.Tags) {
			tagID, err := upsertTag(tx, name)
			if err != nil {
				return err
			}
			if err := tx.Create(&taskTagModel{TaskID: m.ID, TagID: tagID}).Error; err != nil {
				return fmt.Errorf("attach tag %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func loadTask(tx *gorm.DB, id int64) (task.Task, error) {
	var m taskModel
	if err := tx.Take(&m, id).Error; err != nil {
		return task.Task{}, err
	}
	tags, err := tagsFor(tx, "tasks_tags", "task_id", []int64{id})
	if err != nil {
		return task.Task{}, err
	}
	return m.toTask(tags[id]), nil
}

func withTags(tx *gorm.DB, rows []taskModel) ([]task.Task, error) {
	ids := make([]int64, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.ID)
	}
	tags, err := tagsFor(tx, "tasks_tags", "task_id", ids)
	if err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toTask(tags[m.ID]))
	}
	return out, nil
}

// ClaimPending marks the best pending row running with a conditional update
// and re-reads it before accepting the claim.
func (r *Repository) ClaimPending(ctx context.Context, now time.Time) (task.Task, error) {
	var claimed task.Task
	err := r.tx(ctx, func(tx *gorm.DB) error {
		var candidate taskModel
		err := tx.Clauses(skipLocked).
			Select("id").
			Where("status = ?", string(task.StatusPending)).
			Order("priority DESC").Order("added_on ASC").Order("id ASC").
			Take(&candidate).Error
		if err != nil {
			return translate("select pending task", err)
		}
		res := tx.Model(&taskModel{}).
			Where("id = ? AND status = ?", candidate.ID, string(task.StatusPending)).
			Updates(map[string]any{
				"status":     string(task.StatusRunning),
				"started_on": gorm.Expr("COALESCE(started_on, ?)", utc(now)),
			})
		if res.Error != nil {
			return fmt.Errorf("mark task %d running: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("mark task %d running: %w", candidate.ID, task.ErrNotClaimed)
		}
		t, err := loadTask(tx, candidate.ID)
		if err != nil {
			return translate(fmt.Sprintf("reread task %d", candidate.ID), err)
		}
		if t.Status != task.StatusRunning {
			return fmt.Errorf("reread task %d: status %s: %w", candidate.ID, t.Status, task.ErrNotClaimed)
		}
		claimed = t
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}
	return claimed, nil
}

// UpdateStatus validates the edge against the stored status and applies it.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status task.Status, now time.Time) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		var m taskModel
		if err := tx.Clauses(skipLocked).Select("id", "status").Take(&m, id).Error; err != nil {
			return translate(fmt.Sprintf("lock task %d", id), err)
		}
		if err := task.Transition(task.Status(m.Status), status); err != nil {
			return fmt.Errorf("update status of task %d: %w", id, err)
		}
		updates := map[string]any{"status": string(status)}
		switch status {
		case task.StatusRunning:
			updates["started_on"] = gorm.Expr("COALESCE(started_on, ?)", utc(now))
		case task.StatusCompleted:
			updates["completed_on"] = gorm.Expr("COALESCE(completed_on, ?)", utc(now))
		}
		res := tx.Model(&taskModel{}).Where("id = ? AND status = ?", id, m.Status).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update status of task %d: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("update status of task %d: %w", id, task.ErrInconsistentState)
		}
		return nil
	})
}

// SetRoute updates the route label.
func (r *Repository) SetRoute(ctx context.Context, id int64, route string) error {
	res := r.db.WithContext(ctx).Model(&taskModel{}).Where("id = ?", id).Update("route", route)
	if res.Error != nil {
		return fmt.Errorf("set route of task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set route of task %d: %w", id, task.ErrNotFound)
	}
	return nil
}

// ClaimForProcessing marks the oldest unmarked completed row with instanceID
// and accepts the claim only if the re-read marker matches.
func (r *Repository) ClaimForProcessing(ctx context.Context, instanceID string) (int64, error) {
	var claimed int64
	err := r.tx(ctx, func(tx *gorm.DB) error {
		var candidate taskModel
		err := tx.Clauses(skipLocked).
			Select("id").
			Where("status = ? AND processing = ?", string(task.StatusCompleted), "").
			Order("completed_on ASC").Order("id ASC").
			Take(&candidate).Error
		if err != nil {
			return translate("select completed task", err)
		}
		res := tx.Model(&taskModel{}).
			Where("id = ? AND processing = ?", candidate.ID, "").
			Update("processing", instanceID)
		if res.Error != nil {
			return fmt.Errorf("mark task %d processing: %w", candidate.ID, res.Error)
		}
		var marked taskModel
		if err := tx.Select("id", "processing").Take(&marked, candidate.ID).Error; err != nil {
			return translate(fmt.Sprintf("reread task %d", candidate.ID), err)
		}
		if marked.Processing != instanceID {
			return fmt.Errorf("task %d held by %q: %w", candidate.ID, marked.Processing, task.ErrNotClaimed)
		}
		claimed = candidate.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// GetTask loads one task.
func (r *Repository) GetTask(ctx context.Context, id int64) (task.Task, error) {
	t, err := loadTask(r.db.WithContext(ctx), id)
	if err != nil {
		return task.Task{}, translate(fmt.Sprintf("get task %d", id), err)
	}
	return t, nil
}

// GetTasks loads the given ids in ascending order.
func (r *Repository) GetTasks(ctx context.Context, ids []int64) ([]task.Task, error) {
	if len(ids) == 0 {
		return []task.Task{}, nil
	}
	db := r.db.WithContext(ctx)
	var rows []taskModel
	if err := db.Where("id IN ?", ids).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	return withTags(db, rows)
}

// ListTasks applies the filter.
func (r *Repository) ListTasks(ctx context.Context, f task.ListFilter) ([]task.Task, error) {
	db := r.db.WithContext(ctx)
	q := db.Model(&taskModel{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if f.Package != "" {
		q = q.Where("package = ?", f.Package)
	}
	if f.AddedAfter != nil {
		q = q.Where("added_on >= ?", utc(*f.AddedAfter))
	}
	if f.AddedBefore != nil {
		q = q.Where("added_on < ?", utc(*f.AddedBefore))
	}
	if f.Ascending {
		q = q.Order("added_on ASC").Order("id ASC")
	} else {
		q = q.Order("added_on DESC").Order("id DESC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []taskModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return withTags(db, rows)
}

// CountTasks counts tasks, optionally by status.
func (r *Repository) CountTasks(ctx context.Context, status task.Status) (int, error) {
	q := r.db.WithContext(ctx).Model(&taskModel{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return int(n), nil
}

// MinMaxTasks returns the earliest started_on and latest completed_on.
func (r *Repository) MinMaxTasks(ctx context.Context) (*time.Time, *time.Time, error) {
	db := r.db.WithContext(ctx)

	var first taskModel
	err := db.Select("id", "started_on").Where("started_on IS NOT NULL").Order("started_on ASC").Take(&first).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("minmax tasks: %w", err)
	}
	var last taskModel
	err = db.Select("id", "completed_on").Where("completed_on IS NOT NULL").Order("completed_on DESC").Take(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("minmax tasks: %w", err)
	}
	return first.StartedOn, last.CompletedOn, nil
}

// DeleteTask removes the task and its dependents in one transaction.
func (r *Repository) DeleteTask(ctx context.Context, id int64) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		var m taskModel
		if err := tx.Select("id").Take(&m, id).Error; err != nil {
			return translate(fmt.Sprintf("lock task %d", id), err)
		}
		for _, dependent := range []any{&errorModel{}, &imageModel{}, &crawlerModel{}, &taskTagModel{}} {
			if err := tx.Where("task_id = ?", id).Delete(dependent).Error; err != nil {
				return fmt.Errorf("delete task %d: %w", id, err)
			}
		}
		if err := tx.Delete(&taskModel{}, id).Error; err != nil {
			return fmt.Errorf("delete task %d: %w", id, err)
		}
		return nil
	})
}
