package api

import (
	"time"

	"github.com/finleyh/bass-hunter/internal/task"
)

// TimeLayout formats every timestamp the API returns.
const TimeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

type taskView struct {
	ID          int64             `json:"id"`
	Target      string            `json:"target"`
	Package     string            `json:"package"`
	Options     map[string]string `json:"options"`
	Owner       string            `json:"owner"`
	Priority    int               `json:"priority"`
	Route       string            `json:"route"`
	Status      task.Status       `json:"status"`
	AddedOn     string            `json:"added_on"`
	StartedOn   *string           `json:"started_on"`
	CompletedOn *string           `json:"completed_on"`
	SubmitID    *int64            `json:"submit_id"`
	Processing  string            `json:"processing"`
	Tags        []string          `json:"tags"`
	Duration    int64             `json:"duration"`
}

func toTaskView(t task.Task) taskView {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	opts := t.Options
	if opts == nil {
		opts = map[string]string{}
	}
	return taskView{
		ID:          t.ID,
		Target:      t.Target,
		Package:     t.Package,
		Options:     opts,
		Owner:       t.Owner,
		Priority:    t.Priority,
		Route:       t.Route,
		Status:      t.Status,
		AddedOn:     formatTime(t.AddedOn),
		StartedOn:   formatTimePtr(t.StartedOn),
		CompletedOn: formatTimePtr(t.CompletedOn),
		SubmitID:    t.SubmitID,
		Processing:  t.Processing,
		Tags:        tags,
		Duration:    t.Duration(),
	}
}

func toTaskViews(in []task.Task) []taskView {
	out := make([]taskView, 0, len(in))
	for _, t := range in {
		out = append(out, toTaskView(t))
	}
	return out
}

type domainView struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	MD5     string `json:"md5"`
	SHA256  string `json:"sha256"`
	AddedOn string `json:"added_on"`
}

func toDomainView(d task.Domain) domainView {
	return domainView{
		ID:      d.ID,
		Name:    d.Name,
		MD5:     d.MD5,
		SHA256:  d.SHA256,
		AddedOn: formatTime(d.AddedOn),
	}
}

type imageView struct {
	ID          int64  `json:"id"`
	TaskID      int64  `json:"task_id"`
	Target      string `json:"target"`
	Hash        string `json:"hash"`
	URI         string `json:"uri"`
	ContentType string `json:"content_type"`
	AddedOn     string `json:"added_on"`
}

func toImageViews(in []task.Image) []imageView {
	out := make([]imageView, 0, len(in))
	for _, img := range in {
		out = append(out, imageView{
			ID:          img.ID,
			TaskID:      img.TaskID,
			Target:      img.Target,
			Hash:        img.Hash,
			URI:         img.URI,
			ContentType: img.ContentType,
			AddedOn:     formatTime(img.AddedOn),
		})
	}
	return out
}

type crawlerView struct {
	ID         int64              `json:"id"`
	TaskID     int64              `json:"task_id"`
	Name       string             `json:"name"`
	UserAgent  string             `json:"user_agent"`
	Status     task.CrawlerStatus `json:"status"`
	StartedOn  string             `json:"started_on"`
	ShutdownOn *string            `json:"shutdown_on"`
}

func toCrawlerView(c task.Crawler) crawlerView {
	return crawlerView{
		ID:         c.ID,
		TaskID:     c.TaskID,
		Name:       c.Name,
		UserAgent:  c.UserAgent,
		Status:     c.Status,
		StartedOn:  formatTime(c.StartedOn),
		ShutdownOn: formatTimePtr(c.ShutdownOn),
	}
}

type submitView struct {
	ID       int64          `json:"id"`
	Path     string         `json:"path"`
	Kind     string         `json:"kind"`
	Metadata map[string]any `json:"metadata"`
	AddedOn  string         `json:"added_on"`
	Tasks    []taskView     `json:"tasks,omitempty"`
}

func toSubmitView(s task.Submit, withTasks bool) submitView {
	view := submitView{
		ID:       s.ID,
		Path:     s.Path,
		Kind:     s.Kind,
		Metadata: s.Metadata,
		AddedOn:  formatTime(s.AddedOn),
	}
	if withTasks {
		view.Tasks = toTaskViews(s.Tasks)
	}
	return view
}
