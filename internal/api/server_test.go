package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/config"
	"github.com/finleyh/bass-hunter/internal/queue"
	"github.com/finleyh/bass-hunter/internal/storage/memory"
	"github.com/finleyh/bass-hunter/internal/task"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestServer(t *testing.T, auth config.AuthConfig) (*Server, *queue.Store) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	q, err := queue.New(memory.NewRepository(), clock, zap.NewNop())
	require.NoError(t, err)
	return NewServer(q, auth, zap.NewNop()), q
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func idPath(prefix string, id int64, suffix string) string {
	return prefix + "/" + strconv.FormatInt(id, 10) + suffix
}

func TestHealthzAndRequestID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode(t, rec)["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{})
	do(t, s, http.MethodGet, "/healthz", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestAPIKeyGuardsVersionedRoutes(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{Enabled: true, APIKey: "secret"})

	rec := do(t, s, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestCreateAndGetTask(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, s, http.MethodPost, "/api/v1/tasks",
		`{"target":" example.com ","priority":3,"tags":["phish","Brand"],"options":{"depth":"1"},"owner":"soc"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := int64(decode(t, rec)["task_id"].(float64))
	require.NotZero(t, id)

	rec = do(t, s, http.MethodGet, idPath("/api/v1/tasks", id, ""), "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode(t, rec)["task"].(map[string]any)
	require.Equal(t, "example.com", view["target"])
	require.Equal(t, "pending", view["status"])
	require.EqualValues(t, 3, view["priority"])
	require.Equal(t, "soc", view["owner"])
	require.Equal(t, "2024-03-01 12:00:01", view["added_on"])
	require.Nil(t, view["started_on"])
	require.EqualValues(t, -1, view["duration"])
	require.Len(t, view["tags"], 2)
	require.Equal(t, map[string]any{"depth": "1"}, view["options"])
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{})
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{nope"},
		{name: "blank target", body: `{"target":"  "}`},
		{name: "negative priority", body: `{"target":"a.example","priority":-2}`},
		{name: "comma in option value", body: `{"target":"a.example","options":{"cookie":"a=1,b=2"}}`},
		{name: "equals in option key", body: `{"target":"a.example","options":{"a=b":"1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/tasks", tt.body).Code)
		})
	}
}

func TestCreateTaskChecksSubmitAndOptions(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()

	rec := do(t, s, http.MethodPost, "/api/v1/tasks", `{"target":"a.example","submit_id":999}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Zero(t, q.CountTasks(ctx, ""))

	submitID := q.AddSubmit(ctx, task.NewSubmit{Kind: "feed"})
	require.NotZero(t, submitID)
	rec = do(t, s, http.MethodPost, "/api/v1/tasks",
		`{"target":"a.example","submit_id":`+strconv.FormatInt(submitID, 10)+`,"options":{"url":"http://x/?q=1","depth":"2"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	got := q.ViewTask(ctx, int64(decode(t, rec)["task_id"].(float64)))
	require.NotNil(t, got)
	require.Equal(t, map[string]string{"url": "http://x/?q=1", "depth": "2"}, got.Options)
	require.Equal(t, submitID, *got.SubmitID)
}

func TestTaskViewCarriesDuration(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()
	id := q.Add(ctx, task.NewTask{Target: "example.com"})
	require.NotNil(t, q.Fetch(ctx))
	require.True(t, q.SetStatus(ctx, id, task.StatusCompleted))

	view := decode(t, do(t, s, http.MethodGet, idPath("/api/v1/tasks", id, ""), ""))["task"].(map[string]any)
	require.Equal(t, "completed", view["status"])
	require.NotNil(t, view["started_on"])
	require.NotNil(t, view["completed_on"])
	require.EqualValues(t, 1, view["duration"])
}

func TestGetTaskErrors(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{})
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/tasks/abc", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/tasks/42", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/v1/tasks/42", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/tasks/42/errors", "").Code)
}

func TestListTasksFilters(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()
	first := q.Add(ctx, task.NewTask{Target: "a.example", Owner: "soc"})
	q.Add(ctx, task.NewTask{Target: "b.example", Owner: "intel"})
	third := q.Add(ctx, task.NewTask{Target: "c.example", Owner: "soc"})

	rec := do(t, s, http.MethodGet, "/api/v1/tasks?owner=soc&order=asc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode(t, rec)["tasks"].([]any)
	require.Len(t, tasks, 2)
	require.EqualValues(t, first, tasks[0].(map[string]any)["id"])
	require.EqualValues(t, third, tasks[1].(map[string]any)["id"])

	rec = do(t, s, http.MethodGet, "/api/v1/tasks?limit=1", "")
	tasks = decode(t, rec)["tasks"].([]any)
	require.Len(t, tasks, 1)
	require.EqualValues(t, third, tasks[0].(map[string]any)["id"])

	for _, bad := range []string{"status=bogus", "limit=0", "offset=-1", "order=sideways", "after=yesterday"} {
		require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/tasks?"+bad, "").Code, bad)
	}
}

func TestCountTasks(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()
	q.Add(ctx, task.NewTask{Target: "a.example"})
	q.Add(ctx, task.NewTask{Target: "b.example"})
	require.NotNil(t, q.Fetch(ctx))

	body := decode(t, do(t, s, http.MethodGet, "/api/v1/tasks/count", ""))
	require.EqualValues(t, 2, body["count"])
	require.NotNil(t, body["first_started"])
	require.Nil(t, body["last_completed"])

	body = decode(t, do(t, s, http.MethodGet, "/api/v1/tasks/count?status=pending", ""))
	require.EqualValues(t, 1, body["count"])

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/tasks/count?status=nope", "").Code)
}

func TestDeleteTaskWithErrors(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()
	id := q.Add(ctx, task.NewTask{Target: "example.com"})
	require.NotZero(t, q.AddError(ctx, id, "dns failure", "capture"))

	rec := do(t, s, http.MethodGet, idPath("/api/v1/tasks", id, "/errors"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	errs := decode(t, rec)["errors"].([]any)
	require.Len(t, errs, 1)
	require.Equal(t, "dns failure", errs[0].(map[string]any)["message"])

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, idPath("/api/v1/tasks", id, ""), "").Code)
	require.Nil(t, q.ViewTask(ctx, id))
}

func TestCrawlerLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()
	id := q.Add(ctx, task.NewTask{Target: "example.com"})

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, idPath("/api/v1/tasks", id, "/crawler"), "").Code)
	require.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPost, idPath("/api/v1/tasks", id, "/crawler"), `{"name":""}`).Code)
	require.Equal(t, http.StatusNotFound,
		do(t, s, http.MethodPost, "/api/v1/tasks/999/crawler", `{"name":"ext"}`).Code)

	rec := do(t, s, http.MethodPost, idPath("/api/v1/tasks", id, "/crawler"), `{"name":"ext","user_agent":"ua"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	crawlerID := int64(decode(t, rec)["crawler_id"].(float64))

	rec = do(t, s, http.MethodPost, idPath("/api/v1/tasks", id, "/crawler"), `{"name":"again"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	view := decode(t, do(t, s, http.MethodGet, idPath("/api/v1/tasks", id, "/crawler"), ""))["crawler"].(map[string]any)
	require.Equal(t, "ext", view["name"])
	require.Equal(t, "init", view["status"])
	require.Nil(t, view["shutdown_on"])

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, idPath("/api/v1/crawlers", crawlerID, "/stop"), "").Code)
	require.Equal(t, task.CrawlerStopped, q.ViewCrawler(ctx, id).Status)
	require.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/v1/crawlers/999/stop", "").Code)

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, idPath("/api/v1/crawlers", crawlerID, ""), "").Code)
	require.Nil(t, q.ViewCrawler(ctx, id))
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, idPath("/api/v1/crawlers", crawlerID, ""), "").Code)
}

func TestRouteAndRecoverEndpoints(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()
	id := q.Add(ctx, task.NewTask{Target: "example.com"})

	rec := do(t, s, http.MethodPost, idPath("/api/v1/tasks", id, "/route"), `{"route":"vpn-de"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "vpn-de", q.ViewTask(ctx, id).Route)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, idPath("/api/v1/tasks", id, "/route"), `{`).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/tasks/999/route", `{"route":"x"}`).Code)

	require.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, idPath("/api/v1/tasks", id, "/recover"), "").Code)
	require.NotNil(t, q.Fetch(ctx))
	require.True(t, q.SetStatus(ctx, id, task.StatusFailed))

	rec = do(t, s, http.MethodPost, idPath("/api/v1/tasks", id, "/recover"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "recovered", decode(t, rec)["status"])
	require.Equal(t, task.StatusRecovered, q.ViewTask(ctx, id).Status)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/tasks/999/recover", "").Code)
}

func TestListTasksByIDs(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()
	first := q.Add(ctx, task.NewTask{Target: "a.example"})
	q.Add(ctx, task.NewTask{Target: "b.example"})
	third := q.Add(ctx, task.NewTask{Target: "c.example"})

	rec := do(t, s, http.MethodGet, "/api/v1/tasks?ids="+strconv.FormatInt(third, 10)+","+strconv.FormatInt(first, 10)+",999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode(t, rec)["tasks"].([]any)
	require.Len(t, tasks, 2)
	require.Equal(t, "a.example", tasks[0].(map[string]any)["target"])
	require.Equal(t, "c.example", tasks[1].(map[string]any)["target"])

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/tasks?ids=1,x", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/tasks?ids=0", "").Code)
}

func TestDomainEndpoints(t *testing.T) {
	t.Parallel()

	s, q := newTestServer(t, config.AuthConfig{})
	ctx := context.Background()

	rec := do(t, s, http.MethodPost, "/api/v1/domains", `{"name":"Example.COM","enqueue":true,"priority":4}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	domainID := int64(body["domain_id"].(float64))
	taskID := int64(body["task_id"].(float64))

	queued := q.ViewTask(ctx, taskID)
	require.NotNil(t, queued)
	require.Equal(t, "example.com", queued.Target)
	require.Equal(t, 4, queued.Priority)

	rec = do(t, s, http.MethodPost, "/api/v1/domains", `{"name":"example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.EqualValues(t, domainID, decode(t, rec)["domain_id"])
	_, hasTask := decode(t, rec)["task_id"]
	require.False(t, hasTask)

	view := decode(t, do(t, s, http.MethodGet, idPath("/api/v1/domains", domainID, ""), ""))["domain"].(map[string]any)
	require.Equal(t, "example.com", view["name"])
	require.Len(t, view["md5"], 32)
	require.Len(t, view["sha256"], 64)

	require.NotZero(t, q.AddImage(ctx, task.Image{
		TaskID: taskID, Target: "example.com", Hash: "abc", URI: "memory://x", ContentType: "image/png",
	}))
	images := decode(t, do(t, s, http.MethodGet, idPath("/api/v1/domains", domainID, "/images"), ""))["images"].([]any)
	require.Len(t, images, 1)
	require.Equal(t, "memory://x", images[0].(map[string]any)["uri"])

	domains := decode(t, do(t, s, http.MethodGet, "/api/v1/domains", ""))["domains"].([]any)
	require.Len(t, domains, 1)

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, idPath("/api/v1/domains", domainID, ""), "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, idPath("/api/v1/domains", domainID, ""), "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, idPath("/api/v1/domains", domainID, "/images"), "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/domains", `{"name":" "}`).Code)
}

func TestSubmitEndpoints(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, s, http.MethodPost, "/api/v1/submits",
		`{"path":"feeds/today.txt","kind":"feed","metadata":{"source":"intel"},"tasks":[{"target":"a.example"},{"target":"b.example","priority":2}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	submitID := int64(body["submit_id"].(float64))
	require.Len(t, body["task_ids"], 2)

	rec = do(t, s, http.MethodGet, idPath("/api/v1/submits", submitID, ""), "")
	require.Equal(t, http.StatusOK, rec.Code)
	sub := decode(t, rec)["submit"].(map[string]any)
	require.Equal(t, "feed", sub["kind"])
	require.NotContains(t, sub, "tasks")

	sub = decode(t, do(t, s, http.MethodGet, idPath("/api/v1/submits", submitID, "?tasks=true"), ""))["submit"].(map[string]any)
	tasks := sub["tasks"].([]any)
	require.Len(t, tasks, 2)
	require.Equal(t, "a.example", tasks[0].(map[string]any)["target"])
	require.EqualValues(t, submitID, tasks[1].(map[string]any)["submit_id"])

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/submits/999", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, idPath("/api/v1/submits", submitID, "?tasks=maybe"), "").Code)
	require.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPost, "/api/v1/submits", `{"kind":"feed","tasks":[{"target":""}]}`).Code)
	require.Equal(t, http.StatusBadRequest,
		do(t, s, http.MethodPost, "/api/v1/submits", `{"kind":"feed","tasks":[{"target":"c.example","options":{"k":"a,b"}}]}`).Code)
}

func TestBrowserEndpoints(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, config.AuthConfig{})
	rec := do(t, s, http.MethodPost, "/api/v1/browsers", `{"name":"chrome-desktop","user_agent":"ua","tags":["desktop"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, http.StatusConflict,
		do(t, s, http.MethodPost, "/api/v1/browsers", `{"name":"chrome-desktop"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/browsers", `{}`).Code)

	browsers := decode(t, do(t, s, http.MethodGet, "/api/v1/browsers", ""))["browsers"].([]any)
	require.Len(t, browsers, 1)
	b := browsers[0].(map[string]any)
	require.Equal(t, "chrome-desktop", b["name"])
	require.Equal(t, []any{"desktop"}, b["tags"])
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}

func TestParseTimeParam(t *testing.T) {
	t.Parallel()

	got, err := parseTimeParam("2024-03-01 12:00:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *got)

	got, err = parseTimeParam("2024-03-01T12:00:00Z")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *got)

	got, err = parseTimeParam("")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = parseTimeParam("03/01/2024")
	require.Error(t, err)
}
