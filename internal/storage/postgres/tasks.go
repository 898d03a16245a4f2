package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/finleyh/bass-hunter/internal/task"
)

const taskColumns = `t.id, t.target, COALESCE(t.package, ''), t.options, COALESCE(t.owner, ''),
	t.priority, COALESCE(t.route, ''), t.added_on, t.started_on, t.completed_on, t.status,
	t.submit_id, COALESCE(t.processing, ''),
	ARRAY(SELECT g.name FROM tasks_tags tt JOIN tags g ON g.id = tt.tag_id
		WHERE tt.task_id = t.id ORDER BY g.name)`

const (
	selectTaskByID = `SELECT ` + taskColumns + ` FROM tasks t WHERE t.id = $1`

	selectNextPending = `SELECT id FROM tasks
WHERE status = $1
ORDER BY priority DESC, added_on ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`

	markRunning = `UPDATE tasks SET status = $2, started_on = COALESCE(started_on, $3)
WHERE id = $1 AND status = $4`

	selectNextCompleted = `SELECT id FROM tasks
WHERE status = $1 AND processing IS NULL
ORDER BY completed_on ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`

	markProcessing = `UPDATE tasks SET processing = $2 WHERE id = $1 AND processing IS NULL`

	selectProcessing = `SELECT COALESCE(processing, '') FROM tasks WHERE id = $1`

	lockTaskStatus = `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`
)

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t       task.Task
		options string
		status  string
	)
	err := row.Scan(
		&t.ID,
		&t.Target,
		&t.Package,
		&options,
		&t.Owner,
		&t.Priority,
		&t.Route,
		&t.AddedOn,
		&t.StartedOn,
		&t.CompletedOn,
		&status,
		&t.SubmitID,
		&t.Processing,
		&t.Tags,
	)
	if err != nil {
		return task.Task{}, err
	}
	t.Options = task.DecodeOptions(options)
	t.Status = task.Status(status)
	if t.Tags == nil {
		t.Tags = []string{}
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]task.Task, error) {
	defer rows.Close()
	out := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CreateTask inserts a pending task and attaches its tags in one transaction.
func (r *Repository) CreateTask(ctx context.Context, t task.NewTask, now time.Time) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO tasks (target, package, options, owner, priority, added_on, status, submit_id)
VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6, $7, $8)
RETURNING id`,
			t.Target,
			t.Package,
			task.EncodeOptions(t.Options),
			t.Owner,
			t.Priority,
			now,
			string(task.StatusPending),
			t.SubmitID,
		).Scan(&id)
		if err != nil {
			return translate("insert task", err)
		}
		for _, name := range t.Tags {
			tagID, err := upsertTag(ctx, tx, name)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO tasks_tags (task_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				id, tagID); err != nil {
				return fmt.Errorf("attach tag %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimPending locks the best pending row, marks it running, and re-reads it.
func (r *Repository) ClaimPending(ctx context.Context, now time.Time) (task.Task, error) {
	var claimed task.Task
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, selectNextPending, string(task.StatusPending)).Scan(&id); err != nil {
			return translate("select pending task", err)
		}
		tag, err := tx.Exec(ctx, markRunning, id, string(task.StatusRunning), now, string(task.StatusPending))
		if err != nil {
			return fmt.Errorf("mark task %d running: %w", id, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("mark task %d running: %w", id, task.ErrNotClaimed)
		}
		t, err := scanTask(tx.QueryRow(ctx, selectTaskByID, id))
		if err != nil {
			return translate(fmt.Sprintf("reread task %d", id), err)
		}
		if t.Status != task.StatusRunning {
			return fmt.Errorf("reread task %d: status %s: %w", id, t.Status, task.ErrNotClaimed)
		}
		claimed = t
		return nil
	})
	if err != nil {
		return task.Task{}, err
	}
	return claimed, nil
}

// UpdateStatus locks the row, validates the edge and applies it.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status task.Status, now time.Time) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		if err := tx.QueryRow(ctx, lockTaskStatus, id).Scan(&current); err != nil {
			return translate(fmt.Sprintf("lock task %d", id), err)
		}
		if err := task.Transition(task.Status(current), status); err != nil {
			return fmt.Errorf("update status of task %d: %w", id, err)
		}
		query := `UPDATE tasks SET status = $2 WHERE id = $1`
		args := []any{id, string(status)}
		switch status {
		case task.StatusRunning:
			query = `UPDATE tasks SET status = $2, started_on = COALESCE(started_on, $3) WHERE id = $1`
			args = append(args, now)
		case task.StatusCompleted:
			query = `UPDATE tasks SET status = $2, completed_on = COALESCE(completed_on, $3) WHERE id = $1`
			args = append(args, now)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update status of task %d: %w", id, err)
		}
		return nil
	})
}

// SetRoute updates the route label.
func (r *Repository) SetRoute(ctx context.Context, id int64, route string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tasks SET route = NULLIF($2, '') WHERE id = $1`, id, route)
	if err != nil {
		return fmt.Errorf("set route of task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set route of task %d: %w", id, task.ErrNotFound)
	}
	return nil
}

// ClaimForProcessing locks an unmarked completed row, marks it with
// instanceID and accepts the claim only if the re-read marker matches.
func (r *Repository) ClaimForProcessing(ctx context.Context, instanceID string) (int64, error) {
	var claimed int64
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, selectNextCompleted, string(task.StatusCompleted)).Scan(&id); err != nil {
			return translate("select completed task", err)
		}
		if _, err := tx.Exec(ctx, markProcessing, id, instanceID); err != nil {
			return fmt.Errorf("mark task %d processing: %w", id, err)
		}
		var owner string
		if err := tx.QueryRow(ctx, selectProcessing, id).Scan(&owner); err != nil {
			return translate(fmt.Sprintf("reread task %d", id), err)
		}
		if owner != instanceID {
			return fmt.Errorf("task %d held by %q: %w", id, owner, task.ErrNotClaimed)
		}
		claimed = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// GetTask loads one task.
func (r *Repository) GetTask(ctx context.Context, id int64) (task.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, selectTaskByID, id))
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
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks t WHERE t.id = ANY($1) ORDER BY t.id`, ids)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasks applies the filter.
func (r *Repository) ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, error) {
	query, args := buildListQuery(filter)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func buildListQuery(f task.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("t.status = $%d", string(f.Status))
	}
	if f.Owner != "" {
		add("t.owner = $%d", f.Owner)
	}
	if f.Package != "" {
		add("t.package = $%d", f.Package)
	}
	if f.AddedAfter != nil {
		add("t.added_on >= $%d", *f.AddedAfter)
	}
	if f.AddedBefore != nil {
		add("t.added_on < $%d", *f.AddedBefore)
	}

	var b strings.Builder
	b.WriteString("SELECT " + taskColumns + " FROM tasks t")
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	fmt.Fprintf(&b, " ORDER BY t.added_on %s, t.id %s", order, order)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// CountTasks counts tasks, optionally by status.
func (r *Repository) CountTasks(ctx context.Context, status task.Status) (int, error) {
	var (
		n   int
		err error
	)
	if status == "" {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	} else {
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// MinMaxTasks returns the earliest started_on and latest completed_on.
func (r *Repository) MinMaxTasks(ctx context.Context) (*time.Time, *time.Time, error) {
	var minStarted, maxCompleted *time.Time
	err := r.pool.QueryRow(ctx, `SELECT MIN(started_on), MAX(completed_on) FROM tasks`).
		Scan(&minStarted, &maxCompleted)
	if err != nil {
		return nil, nil, fmt.Errorf("minmax tasks: %w", err)
	}
	return minStarted, maxCompleted, nil
}

// DeleteTask removes the task and its dependents in one transaction.
func (r *Repository) DeleteTask(ctx context.Context, id int64) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var locked int64
		if err := tx.QueryRow(ctx, `SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
			return translate(fmt.Sprintf("lock task %d", id), err)
		}
		for _, stmt := range []string{
			`DELETE FROM errors WHERE task_id = $1`,
			`DELETE FROM images WHERE task_id = $1`,
			`DELETE FROM crawlers WHERE task_id = $1`,
			`DELETE FROM tasks_tags WHERE task_id = $1`,
			`DELETE FROM tasks WHERE id = $1`,
		} {
			if _, err := tx.Exec(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete task %d: %w", id, err)
			}
		}
		return nil
	})
}
