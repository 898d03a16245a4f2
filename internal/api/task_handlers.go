package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finleyh/bass-hunter/internal/task"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 1000
)

type createTaskRequest struct {
	Target   string            `json:"target"`
	Package  string            `json:"package"`
	Options  map[string]string `json:"options"`
	Owner    string            `json:"owner"`
	Priority int               `json:"priority"`
	Tags     []string          `json:"tags"`
	SubmitID *int64            `json:"submit_id"`
}

// validate returns a client-facing message for input the queue would reject.
func (req createTaskRequest) validate() string {
	if strings.TrimSpace(req.Target) == "" {
		return "target required"
	}
	if req.Priority < 0 {
		return "priority must be >= 0"
	}
	if err := task.ValidateOptions(req.Options); err != nil {
		return "invalid options: keys must not contain '=' or ',' and values must not contain ','"
	}
	return ""
}

func (req createTaskRequest) newTask() task.NewTask {
	return task.NewTask{
		Target:   req.Target,
		Package:  req.Package,
		Options:  req.Options,
		Owner:    req.Owner,
		Priority: req.Priority,
		Tags:     req.Tags,
		SubmitID: req.SubmitID,
	}
}

// listTasks handles GET /api/v1/tasks?status=&owner=&package=&after=&before=&limit=&offset=&order=.
// With ?ids=1,2,3 it returns just those tasks in id order and ignores the
// other filters.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("ids"); raw != "" {
		ids, err := parseIDList(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": toTaskViews(s.queue.ViewTasks(r.Context(), ids))})
		return
	}
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks := s.queue.ListTasks(r.Context(), filter)
	writeJSON(w, http.StatusOK, map[string]any{"tasks": toTaskViews(tasks)})
}

// createTask handles POST /api/v1/tasks and responds 201 {"task_id": n}.
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.SubmitID != nil && s.queue.ViewSubmit(r.Context(), *req.SubmitID, false) == nil {
		writeError(w, http.StatusNotFound, "submit not found")
		return
	}
	id := s.queue.Add(r.Context(), req.newTask())
	if id == 0 {
		writeError(w, http.StatusInternalServerError, "failed to add task")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"task_id": id})
}

// countTasks handles GET /api/v1/tasks/count?status=. The response also
// carries the earliest start and latest completion across all tasks.
func (s *Server) countTasks(w http.ResponseWriter, r *http.Request) {
	var status task.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := task.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = parsed
	}
	first, last := s.queue.MinMaxTasks(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"count":          s.queue.CountTasks(r.Context(), status),
		"first_started":  formatTimePtr(first),
		"last_completed": formatTimePtr(last),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	t := s.queue.ViewTask(r.Context(), id)
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": toTaskView(*t)})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if s.queue.ViewTask(r.Context(), id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.queue.DeleteTask(r.Context(), id) {
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTaskErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if s.queue.ViewTask(r.Context(), id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": s.queue.ViewErrors(r.Context(), id)})
}

func (s *Server) getCrawler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	c := s.queue.ViewCrawler(r.Context(), id)
	if c == nil {
		writeError(w, http.StatusNotFound, "crawler not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawler": toCrawlerView(*c)})
}

type startCrawlerRequest struct {
	Name      string `json:"name"`
	UserAgent string `json:"user_agent"`
}

// startCrawler handles POST /api/v1/tasks/{id}/crawler for externally run
// crawlers. A task already bound to a crawler yields 409.
func (s *Server) startCrawler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req startCrawlerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "crawler name required")
		return
	}
	if s.queue.ViewTask(r.Context(), id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	crawlerID := s.queue.CrawlerStart(r.Context(), id, req.Name, req.UserAgent)
	if crawlerID == 0 {
		writeError(w, http.StatusConflict, "crawler could not be started")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"crawler_id": crawlerID})
}

func (s *Server) stopCrawler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if !s.queue.CrawlerStop(r.Context(), id) {
		writeError(w, http.StatusConflict, "crawler could not be stopped")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawler_id": id, "status": task.CrawlerStopped})
}

// setRoute handles POST /api/v1/tasks/{id}/route with {"route": "..."}.
func (s *Server) setRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Route string `json:"route"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if s.queue.ViewTask(r.Context(), id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.queue.SetRoute(r.Context(), id, req.Route) {
		writeError(w, http.StatusInternalServerError, "failed to set route")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "route": req.Route})
}

// recoverTask handles POST /api/v1/tasks/{id}/recover. Only failed tasks can
// be recovered; anything else is a 409.
func (s *Server) recoverTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if s.queue.ViewTask(r.Context(), id) == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.queue.Recover(r.Context(), id) {
		writeError(w, http.StatusConflict, "task could not be recovered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": task.StatusRecovered})
}

// removeCrawler handles DELETE /api/v1/crawlers/{id}.
func (s *Server) removeCrawler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if !s.queue.CrawlerRemove(r.Context(), id) {
		writeError(w, http.StatusNotFound, "crawler not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseIDList(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.New("ids must be positive integers")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func parseListFilter(r *http.Request) (task.ListFilter, error) {
	q := r.URL.Query()
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		return task.ListFilter{}, err
	}
	filter := task.ListFilter{
		Owner:   strings.TrimSpace(q.Get("owner")),
		Package: strings.TrimSpace(q.Get("package")),
		Limit:   limit,
		Offset:  offset,
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := task.ParseStatus(raw)
		if err != nil {
			return task.ListFilter{}, errors.New("invalid status")
		}
		filter.Status = status
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return task.ListFilter{}, errors.New("invalid order")
	}
	if filter.AddedAfter, err = parseTimeParam(q.Get("after")); err != nil {
		return task.ListFilter{}, errors.New("invalid after")
	}
	if filter.AddedBefore, err = parseTimeParam(q.Get("before")); err != nil {
		return task.ListFilter{}, errors.New("invalid before")
	}
	return filter, nil
}

// parseTimeParam accepts TimeLayout or RFC 3339. Empty input yields nil.
func parseTimeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{TimeLayout, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("unrecognized time")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
