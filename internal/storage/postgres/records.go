package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/finleyh/bass-hunter/internal/task"
)

// CreateCrawler binds a new init crawler to a locked task row.
func (r *Repository) CreateCrawler(
	ctx context.Context,
	taskID int64,
	name, userAgent string,
	now time.Time,
) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var locked int64
		if err := tx.QueryRow(ctx, `SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&locked); err != nil {
			return translate(fmt.Sprintf("lock task %d", taskID), err)
		}
		var existing int64
		err := tx.QueryRow(ctx, `SELECT id FROM crawlers WHERE task_id = $1`, taskID).Scan(&existing)
		switch {
		case err == nil:
			return fmt.Errorf("create crawler: task %d already bound to crawler %d: %w",
				taskID, existing, task.ErrInconsistentState)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("select crawler of task %d: %w", taskID, err)
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO crawlers (task_id, name, user_agent, status, started_on)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
			taskID, name, userAgent, string(task.CrawlerInit), now,
		).Scan(&id)
		if err != nil {
			return translate("insert crawler", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateCrawlerStatus moves the task's crawler along its lifecycle.
func (r *Repository) UpdateCrawlerStatus(
	ctx context.Context,
	taskID int64,
	status task.CrawlerStatus,
	now time.Time,
) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		return moveCrawler(ctx, tx,
			`SELECT id, status FROM crawlers WHERE task_id = $1 FOR UPDATE`, taskID, status, now)
	})
}

// StopCrawler moves the crawler to stopped and stamps shutdown_on.
func (r *Repository) StopCrawler(ctx context.Context, crawlerID int64, now time.Time) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		return moveCrawler(ctx, tx,
			`SELECT id, status FROM crawlers WHERE id = $1 FOR UPDATE`, crawlerID, task.CrawlerStopped, now)
	})
}

func moveCrawler(
	ctx context.Context,
	tx pgx.Tx,
	lockQuery string,
	key int64,
	status task.CrawlerStatus,
	now time.Time,
) error {
	var (
		id      int64
		current string
	)
	if err := tx.QueryRow(ctx, lockQuery, key).Scan(&id, &current); err != nil {
		return translate(fmt.Sprintf("lock crawler %d", key), err)
	}
	if err := task.CrawlerTransition(task.CrawlerStatus(current), status); err != nil {
		return fmt.Errorf("crawler %d: %w", id, err)
	}
	var err error
	if status == task.CrawlerStopped {
		_, err = tx.Exec(ctx, `UPDATE crawlers SET status = $2, shutdown_on = $3 WHERE id = $1`,
			id, string(status), now)
	} else {
		_, err = tx.Exec(ctx, `UPDATE crawlers SET status = $2 WHERE id = $1`, id, string(status))
	}
	if err != nil {
		return fmt.Errorf("update crawler %d: %w", id, err)
	}
	return nil
}

// DeleteCrawler hard-deletes a crawler.
func (r *Repository) DeleteCrawler(ctx context.Context, crawlerID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM crawlers WHERE id = $1`, crawlerID)
	if err != nil {
		return fmt.Errorf("delete crawler %d: %w", crawlerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete crawler %d: %w", crawlerID, task.ErrNotFound)
	}
	return nil
}

// GetCrawler loads the crawler bound to the task.
func (r *Repository) GetCrawler(ctx context.Context, taskID int64) (task.Crawler, error) {
	var (
		c      task.Crawler
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, task_id, name, user_agent, status, started_on, shutdown_on
FROM crawlers WHERE task_id = $1`, taskID,
	).Scan(&c.ID, &c.TaskID, &c.Name, &c.UserAgent, &status, &c.StartedOn, &c.ShutdownOn)
	if err != nil {
		return task.Crawler{}, translate(fmt.Sprintf("get crawler of task %d", taskID), err)
	}
	c.Status = task.CrawlerStatus(status)
	return c, nil
}

// CreateError appends a failure entry in its own statement.
func (r *Repository) CreateError(ctx context.Context, taskID int64, message, action string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO errors (task_id, message, action) VALUES ($1, $2, NULLIF($3, '')) RETURNING id`,
		taskID, message, action,
	).Scan(&id)
	if err != nil {
		return 0, translate("insert error", err)
	}
	return id, nil
}

// ListErrors returns the task's errors in insertion order.
func (r *Repository) ListErrors(ctx context.Context, taskID int64) ([]task.ErrorRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, task_id, message, COALESCE(action, '') FROM errors WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()
	out := []task.ErrorRecord{}
	for rows.Next() {
		var e task.ErrorRecord
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Message, &e.Action); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return out, nil
}

// CreateSubmit records a submission.
func (r *Repository) CreateSubmit(ctx context.Context, s task.NewSubmit, now time.Time) (int64, error) {
	metadata, err := encodeMetadata(s.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO submit (path, kind, metadata, added_on) VALUES ($1, $2, $3, $4) RETURNING id`,
		s.Path, s.Kind, metadata, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert submit: %w", err)
	}
	return id, nil
}

// GetSubmit loads a submission, optionally with its tasks in id order.
func (r *Repository) GetSubmit(ctx context.Context, id int64, withTasks bool) (task.Submit, error) {
	var (
		s        task.Submit
		metadata []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, path, kind, metadata, added_on FROM submit WHERE id = $1`, id,
	).Scan(&s.ID, &s.Path, &s.Kind, &metadata, &s.AddedOn)
	if err != nil {
		return task.Submit{}, translate(fmt.Sprintf("get submit %d", id), err)
	}
	if s.Metadata, err = decodeMetadata(metadata); err != nil {
		return task.Submit{}, err
	}
	if !withTasks {
		return s, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks t WHERE t.submit_id = $1 ORDER BY t.id`, id)
	if err != nil {
		return task.Submit{}, fmt.Errorf("list submit tasks: %w", err)
	}
	if s.Tasks, err = collectTasks(rows); err != nil {
		return task.Submit{}, err
	}
	return s, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal submit metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal submit metadata: %w", err)
	}
	return out, nil
}

// UpsertDomain inserts a domain or returns the row sharing its sha256.
func (r *Repository) UpsertDomain(ctx context.Context, d task.Domain, now time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO domains (name, md5, sha256, added_on) VALUES ($1, $2, $3, $4)
ON CONFLICT (sha256) DO UPDATE SET name = EXCLUDED.name
RETURNING id`,
		d.Name, d.MD5, d.SHA256, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert domain: %w", err)
	}
	return id, nil
}

// ListDomains returns every domain in id order.
func (r *Repository) ListDomains(ctx context.Context) ([]task.Domain, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, md5, sha256, added_on FROM domains ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()
	out := []task.Domain{}
	for rows.Next() {
		var d task.Domain
		if err := rows.Scan(&d.ID, &d.Name, &d.MD5, &d.SHA256, &d.AddedOn); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return out, nil
}

// GetDomain loads one domain.
func (r *Repository) GetDomain(ctx context.Context, id int64) (task.Domain, error) {
	var d task.Domain
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, md5, sha256, added_on FROM domains WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.MD5, &d.SHA256, &d.AddedOn)
	if err != nil {
		return task.Domain{}, translate(fmt.Sprintf("get domain %d", id), err)
	}
	return d, nil
}

// DeleteDomain removes one domain.
func (r *Repository) DeleteDomain(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM domains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete domain %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete domain %d: %w", id, task.ErrNotFound)
	}
	return nil
}

const browserColumns = `b.id, b.name, b.user_agent,
	ARRAY(SELECT g.name FROM browsers_tags bt JOIN tags g ON g.id = bt.tag_id
		WHERE bt.browser_id = b.id ORDER BY g.name)`

// CreateBrowser inserts a template and its tags in one transaction.
func (r *Repository) CreateBrowser(ctx context.Context, b task.Browser) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO browsers (name, user_agent) VALUES ($1, $2) RETURNING id`,
			b.Name, b.UserAgent,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert browser: %w", err)
		}
		for _, name := range task.NormalizeTags(b.Tags) {
			tagID, err := upsertTag(ctx, tx, name)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO browsers_tags (browser_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				id, tagID); err != nil {
				return fmt.Errorf("attach browser tag %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListBrowsers returns every template in id order.
func (r *Repository) ListBrowsers(ctx context.Context) ([]task.Browser, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+browserColumns+` FROM browsers b ORDER BY b.id`)
	if err != nil {
		return nil, fmt.Errorf("list browsers: %w", err)
	}
	defer rows.Close()
	out := []task.Browser{}
	for rows.Next() {
		b, err := scanBrowser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan browser: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate browsers: %w", err)
	}
	return out, nil
}

// GetBrowser loads a template by name.
func (r *Repository) GetBrowser(ctx context.Context, name string) (task.Browser, error) {
	b, err := scanBrowser(r.pool.QueryRow(ctx, `SELECT `+browserColumns+` FROM browsers b WHERE b.name = $1`, name))
	if err != nil {
		return task.Browser{}, translate(fmt.Sprintf("get browser %q", name), err)
	}
	return b, nil
}

func scanBrowser(row pgx.Row) (task.Browser, error) {
	var b task.Browser
	if err := row.Scan(&b.ID, &b.Name, &b.UserAgent, &b.Tags); err != nil {
		return task.Browser{}, err
	}
	if b.Tags == nil {
		b.Tags = []string{}
	}
	return b, nil
}

// CreateImage records a captured artifact.
func (r *Repository) CreateImage(ctx context.Context, img task.Image, now time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO images (task_id, target, hash, uri, content_type, added_on)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		img.TaskID, img.Target, img.Hash, img.URI, img.ContentType, now,
	).Scan(&id)
	if err != nil {
		return 0, translate("insert image", err)
	}
	return id, nil
}

// ListImages returns matching images in id order.
func (r *Repository) ListImages(ctx context.Context, filter task.ImageFilter) ([]task.Image, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TaskID != 0 {
		args = append(args, filter.TaskID)
		conds = append(conds, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if filter.Target != "" {
		args = append(args, filter.Target)
		conds = append(conds, fmt.Sprintf("target = $%d", len(args)))
	}
	query := `SELECT id, task_id, target, hash, uri, content_type, added_on FROM images`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()
	out := []task.Image{}
	for rows.Next() {
		var img task.Image
		if err := rows.Scan(&img.ID, &img.TaskID, &img.Target, &img.Hash, &img.URI, &img.ContentType, &img.AddedOn); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return out, nil
}
