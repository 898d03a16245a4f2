package sqlite

import (
	"time"

	"github.com/finleyh/bass-hunter/internal/task"
)

type taskModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Target      string    `gorm:"not null"`
	Package     string    `gorm:"not null;default:''"`
	Options     string    `gorm:"not null;default:''"`
	Owner       string    `gorm:"not null;default:''"`
	Priority    int       `gorm:"not null;default:1;index:tasks_fetch_idx,priority:2"`
	Route       string    `gorm:"not null;default:''"`
	AddedOn     time.Time `gorm:"not null;index:tasks_fetch_idx,priority:3"`
	StartedOn   *time.Time
	CompletedOn *time.Time
	Status      string `gorm:"not null;default:pending;index:tasks_fetch_idx,priority:1"`
	SubmitID    *int64 `gorm:"index"`
	Processing  string `gorm:"not null;default:''"`
}

func (taskModel) TableName() string { return "tasks" }

func (m taskModel) toTask(tags []string) task.Task {
	if tags == nil {
		tags = []string{}
	}
	return task.Task{
		ID:          m.ID,
		Target:      m.Target,
		Package:     m.Package,
		Options:     task.DecodeOptions(m.Options),
		Owner:       m.Owner,
		Priority:    m.Priority,
		Route:       m.Route,
		AddedOn:     m.AddedOn,
		StartedOn:   m.StartedOn,
		CompletedOn: m.CompletedOn,
		Status:      task.Status(m.Status),
		SubmitID:    m.SubmitID,
		Processing:  m.Processing,
		Tags:        tags,
	}
}

type tagModel struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"not null;uniqueIndex"`
}

func (tagModel) TableName() string { return "tags" }

type taskTagModel struct {
	TaskID int64 `gorm:"primaryKey;autoIncrement:false"`
	TagID  int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (taskTagModel) TableName() string { return "tasks_tags" }

type crawlerModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	TaskID     int64     `gorm:"not null;uniqueIndex"`
	Name       string    `gorm:"not null"`
	UserAgent  string    `gorm:"not null;default:''"`
	Status     string    `gorm:"not null"`
	StartedOn  time.Time `gorm:"not null"`
	ShutdownOn *time.Time
}

func (crawlerModel) TableName() string { return "crawlers" }

func (m crawlerModel) toCrawler() task.Crawler {
	return task.Crawler{
		ID:         m.ID,
		TaskID:     m.TaskID,
		Name:       m.Name,
		UserAgent:  m.UserAgent,
		Status:     task.CrawlerStatus(m.Status),
		StartedOn:  m.StartedOn,
		ShutdownOn: m.ShutdownOn,
	}
}

type errorModel struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	TaskID  int64  `gorm:"not null;index"`
	Message string `gorm:"not null"`
	Action  string `gorm:"not null;default:''"`
}

func (errorModel) TableName() string { return "errors" }

type submitModel struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	Path     string    `gorm:"not null;default:''"`
	Kind     string    `gorm:"not null;default:''"`
	Metadata string    `gorm:"not null;default:'{}'"`
	AddedOn  time.Time `gorm:"not null"`
}

func (submitModel) TableName() string { return "submit" }

type domainModel struct {
	ID      int64     `gorm:"primaryKey;autoIncrement"`
	Name    string    `gorm:"not null"`
	MD5     string    `gorm:"column:md5;not null"`
	SHA256  string    `gorm:"column:sha256;not null;uniqueIndex"`
	AddedOn time.Time `gorm:"not null"`
}

func (domainModel) TableName() string { return "domains" }

func (m domainModel) toDomain() task.Domain {
	return task.Domain{ID: m.ID, Name: m.Name, MD5: m.MD5, SHA256: m.SHA256, AddedOn: m.AddedOn}
}

type browserModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"not null;uniqueIndex"`
	UserAgent string `gorm:"not null;default:''"`
}

func (browserModel) TableName() string { return "browsers" }

type browserTagModel struct {
	BrowserID int64 `gorm:"primaryKey;autoIncrement:false"`
	TagID     int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (browserTagModel) TableName() string { return "browsers_tags" }

type imageModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	TaskID      int64     `gorm:"not null;index"`
	Target      string    `gorm:"not null;index"`
	Hash        string    `gorm:"not null"`
	URI         string    `gorm:"column:uri;not null"`
	ContentType string    `gorm:"not null;default:''"`
	AddedOn     time.Time `gorm:"not null"`
}

func (imageModel) TableName() string { return "images" }

func (m imageModel) toImage() task.Image {
	return task.Image{
		ID:          m.ID,
		TaskID:      m.TaskID,
		Target:      m.Target,
		Hash:        m.Hash,
		URI:         m.URI,
		ContentType: m.ContentType,
		AddedOn:     m.AddedOn,
	}
}

var models = []any{
	&submitModel{},
	&taskModel{},
	&tagModel{},
	&taskTagModel{},
	&crawlerModel{},
	&errorModel{},
	&domainModel{},
	&browserModel{},
	&browserTagModel{},
	&imageModel{},
}
