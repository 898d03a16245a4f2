package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/finleyh/bass-hunter/internal/task"
)

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	domains := s.queue.ListDomains(r.Context())
	out := make([]domainView, 0, len(domains))
	for _, d := range domains {
		out = append(out, toDomainView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

type createDomainRequest struct {
	Name string `json:"name"`
	// Enqueue also queues a task targeting the domain.
	Enqueue  bool     `json:"enqueue"`
	Package  string   `json:"package"`
	Owner    string   `json:"owner"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

// createDomain handles POST /api/v1/domains. Re-adding a known domain returns
// its existing id.
func (s *Server) createDomain(w http.ResponseWriter, r *http.Request) {
	var req createDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	domainID := s.queue.AddDomain(r.Context(), req.Name)
	if domainID == 0 {
		writeError(w, http.StatusInternalServerError, "failed to add domain")
		return
	}
	resp := map[string]int64{"domain_id": domainID}
	if req.Enqueue {
		d := s.queue.ViewDomain(r.Context(), domainID)
		if d == nil {
			writeError(w, http.StatusInternalServerError, "failed to load domain")
			return
		}
		taskID := s.queue.Add(r.Context(), task.NewTask{
			Target:   d.Name,
			Package:  req.Package,
			Owner:    req.Owner,
			Priority: req.Priority,
			Tags:     req.Tags,
		})
		if taskID == 0 {
			writeError(w, http.StatusInternalServerError, "failed to add task")
			return
		}
		resp["task_id"] = taskID
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	d := s.queue.ViewDomain(r.Context(), id)
	if d == nil {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": toDomainView(*d)})
}

func (s *Server) deleteDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if s.queue.ViewDomain(r.Context(), id) == nil {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	if !s.queue.DeleteDomain(r.Context(), id) {
		writeError(w, http.StatusInternalServerError, "failed to delete domain")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listDomainImages handles GET /api/v1/domains/{id}/images: every capture
// whose task targeted the domain.
func (s *Server) listDomainImages(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	d := s.queue.ViewDomain(r.Context(), id)
	if d == nil {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	images := s.queue.ListImages(r.Context(), task.ImageFilter{Target: d.Name})
	writeJSON(w, http.StatusOK, map[string]any{"images": toImageViews(images)})
}

type createSubmitRequest struct {
	Path     string              `json:"path"`
	Kind     string              `json:"kind"`
	Metadata map[string]any      `json:"metadata"`
	Tasks    []createTaskRequest `json:"tasks"`
}

// createSubmit handles POST /api/v1/submits: it records the submission and
// queues its tasks linked to it.
func (s *Server) createSubmit(w http.ResponseWriter, r *http.Request) {
	var req createSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	for _, t := range req.Tasks {
		if msg := t.validate(); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	submitID := s.queue.AddSubmit(r.Context(), task.NewSubmit{
		Path:     req.Path,
		Kind:     req.Kind,
		Metadata: req.Metadata,
	})
	if submitID == 0 {
		writeError(w, http.StatusInternalServerError, "failed to add submit")
		return
	}
	taskIDs := make([]int64, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		nt := t.newTask()
		nt.SubmitID = &submitID
		id := s.queue.Add(r.Context(), nt)
		if id == 0 {
			writeError(w, http.StatusInternalServerError, "failed to add task")
			return
		}
		taskIDs = append(taskIDs, id)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"submit_id": submitID, "task_ids": taskIDs})
}

// getSubmit handles GET /api/v1/submits/{id}?tasks=true.
func (s *Server) getSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	withTasks := false
	if raw := r.URL.Query().Get("tasks"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tasks flag")
			return
		}
		withTasks = parsed
	}
	sub := s.queue.ViewSubmit(r.Context(), id, withTasks)
	if sub == nil {
		writeError(w, http.StatusNotFound, "submit not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submit": toSubmitView(*sub, withTasks)})
}

func (s *Server) listBrowsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"browsers": s.queue.ListBrowsers(r.Context())})
}

func (s *Server) createBrowser(w http.ResponseWriter, r *http.Request) {
	var req task.Browser
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	id := s.queue.AddBrowser(r.Context(), task.Browser{
		Name:      req.Name,
		UserAgent: req.UserAgent,
		Tags:      req.Tags,
	})
	if id == 0 {
		writeError(w, http.StatusConflict, "browser could not be added")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"browser_id": id})
}
