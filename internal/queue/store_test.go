package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/finleyh/bass-hunter/internal/storage/memory"
	"github.com/finleyh/bass-hunter/internal/store"
	"github.com/finleyh/bass-hunter/internal/task"
)

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestStore(t *testing.T, repo store.Repository) (*Store, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := New(repo, newStepClock(), zap.New(core))
	require.NoError(t, err)
	return s, logs
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, newStepClock(), zap.NewNop())
	require.Error(t, err)
	_, err = New(memory.NewRepository(), nil, zap.NewNop())
	require.Error(t, err)
	s, err := New(memory.NewRepository(), newStepClock(), nil)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestAddThenFetchMovesTaskToRunning(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()

	id := s.Add(ctx, task.NewTask{Target: "  example.com  ", Tags: []string{" x ", "", "x"}})
	require.NotZero(t, id)

	before := s.ViewTask(ctx, id)
	require.NotNil(t, before)
	require.Equal(t, task.StatusPending, before.Status)
	require.Equal(t, "example.com", before.Target)
	require.Equal(t, task.DefaultPriority, before.Priority)
	require.Equal(t, []string{"x"}, before.Tags)

	got := s.Fetch(ctx)
	require.NotNil(t, got)
	require.Equal(t, id, got.ID)
	require.Equal(t, task.StatusRunning, got.Status)
	require.NotNil(t, got.StartedOn)

	require.Nil(t, s.Fetch(ctx))
}

func TestFetchOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()

	a := s.Add(ctx, task.NewTask{Target: "a.example", Priority: 5})
	b := s.Add(ctx, task.NewTask{Target: "b.example", Priority: 1})
	c := s.Add(ctx, task.NewTask{Target: "c.example", Priority: 3})

	var order []int64
	for got := s.Fetch(ctx); got != nil; got = s.Fetch(ctx) {
		order = append(order, got.ID)
	}
	require.Equal(t, []int64{a, c, b}, order)
}

func TestConcurrentFetchClaimsEachTaskOnce(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	ctx := context.Background()
	const (
		callers = 16
		pending = 5
	)
	seed, _ := newTestStore(t, repo)
	for range pending {
		require.NotZero(t, seed.Add(ctx, task.NewTask{Target: "example.com"}))
	}

	// One Store per caller stands in for separate processes sharing the backend.
	stores := make([]*Store, callers)
	for i := range stores {
		stores[i], _ = newTestStore(t, repo)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		empty   int
		wg      sync.WaitGroup
		start   = make(chan struct{})
	)
	for _, s := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			<-start
			got := s.Fetch(ctx)
			mu.Lock()
			defer mu.Unlock()
			if got == nil {
				empty++
				return
			}
			claimed[got.ID]++
		}(s)
	}
	close(start)
	wg.Wait()

	require.Len(t, claimed, pending)
	for id, n := range claimed {
		require.Equal(t, 1, n, "task %d claimed twice", id)
	}
	require.Equal(t, callers-pending, empty)
}

func TestConcurrentClaimForProcessingHasOneWinner(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	ctx := context.Background()
	s, _ := newTestStore(t, repo)
	id := s.Add(ctx, task.NewTask{Target: "example.com"})
	require.NotNil(t, s.Fetch(ctx))
	require.True(t, s.SetStatus(ctx, id, task.StatusCompleted))

	other, _ := newTestStore(t, repo)
	results := make([]int64, 2)
	var wg sync.WaitGroup
	for i, caller := range []*Store{s, other} {
		wg.Add(1)
		go func(i int, caller *Store, instance string) {
			defer wg.Done()
			results[i] = caller.ClaimForProcessing(ctx, instance)
		}(i, caller, []string{"instance-a", "instance-b"}[i])
	}
	wg.Wait()

	winners := 0
	for _, got := range results {
		if got != 0 {
			require.Equal(t, id, got)
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestClaimForProcessingRequiresInstance(t *testing.T) {
	t.Parallel()

	s, logs := newTestStore(t, memory.NewRepository())
	require.Zero(t, s.ClaimForProcessing(context.Background(), ""))
	require.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestCompletedTaskStartsBeforeItCompletes(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	id := s.Add(ctx, task.NewTask{Target: "example.com"})
	require.NotNil(t, s.Fetch(ctx))
	require.True(t, s.SetStatus(ctx, id, task.StatusCompleted))

	got := s.ViewTask(ctx, id)
	require.NotNil(t, got)
	require.NotNil(t, got.StartedOn)
	require.NotNil(t, got.CompletedOn)
	require.True(t, got.StartedOn.Before(*got.CompletedOn))
	require.Positive(t, got.Duration())
}

func TestSetStatusForbiddenEdgeWarns(t *testing.T) {
	t.Parallel()

	s, logs := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	id := s.Add(ctx, task.NewTask{Target: "example.com"})

	require.False(t, s.SetStatus(ctx, id, task.StatusCompleted))
	require.Equal(t, 1, logs.FilterMessage("inconsistent state").Len())
	require.Equal(t, task.StatusPending, s.ViewTask(ctx, id).Status)

	require.False(t, s.SetStatus(ctx, id, task.Status("paused")))
	require.Equal(t, 1, logs.FilterMessage("invalid input").Len())
}

func TestAddWithUnknownSubmitWarns(t *testing.T) {
	t.Parallel()

	s, logs := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	missing := int64(77)

	require.Zero(t, s.Add(ctx, task.NewTask{Target: "example.com", SubmitID: &missing}))
	require.Equal(t, 1, logs.FilterMessage("invalid input").Len())
	require.Zero(t, logs.FilterMessage("record not found").Len())
	require.Zero(t, s.CountTasks(ctx, ""))
}

func TestAddRejectsUnencodableOptions(t *testing.T) {
	t.Parallel()

	s, logs := newTestStore(t, memory.NewRepository())
	ctx := context.Background()

	require.Zero(t, s.Add(ctx, task.NewTask{Target: "example.com", Options: map[string]string{"cookie": "a=1,b=2"}}))
	require.Equal(t, 1, logs.FilterMessage("invalid input").Len())

	id := s.Add(ctx, task.NewTask{Target: "example.com", Options: map[string]string{"url": "http://x/?q=1"}})
	require.NotZero(t, id)
	require.Equal(t, map[string]string{"url": "http://x/?q=1"}, s.ViewTask(ctx, id).Options)
}

func TestMissingRecordsAreSoft(t *testing.T) {
	t.Parallel()

	s, logs := newTestStore(t, memory.NewRepository())
	ctx := context.Background()

	require.False(t, s.SetStatus(ctx, 404, task.StatusRunning))
	require.False(t, s.SetRoute(ctx, 404, "tor"))
	require.False(t, s.DeleteTask(ctx, 404))
	require.Nil(t, s.ViewTask(ctx, 404))
	require.Nil(t, s.ViewCrawler(ctx, 404))
	require.Nil(t, s.ViewSubmit(ctx, 404, true))
	require.Zero(t, s.AddError(ctx, 404, "boom", ""))
	require.Zero(t, s.CrawlerStart(ctx, 404, "crawler", "ua"))

	require.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	require.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

type brokenRepo struct {
	store.Repository
}

var errDiskFull = errors.New("disk full")

func (brokenRepo) CreateTask(context.Context, task.NewTask, time.Time) (int64, error) {
	return 0, errDiskFull
}

func (brokenRepo) ClaimPending(context.Context, time.Time) (task.Task, error) {
	return task.Task{}, errDiskFull
}

func (brokenRepo) GetTask(context.Context, int64) (task.Task, error) {
	return task.Task{}, errDiskFull
}

func (brokenRepo) ListTasks(context.Context, task.ListFilter) ([]task.Task, error) {
	return nil, errDiskFull
}

func (brokenRepo) CountTasks(context.Context, task.Status) (int, error) {
	return 0, errDiskFull
}

func (brokenRepo) MinMaxTasks(context.Context) (*time.Time, *time.Time, error) {
	return nil, nil, errDiskFull
}

func TestPersistenceFailuresReturnNeutralValues(t *testing.T) {
	s, logs := newTestStore(t, brokenRepo{})
	ctx := context.Background()
	before := counterValue(t, "bass_hunter_persistence_failures_total", map[string]string{"op": "add"})

	require.Zero(t, s.Add(ctx, task.NewTask{Target: "example.com"}))
	require.Nil(t, s.Fetch(ctx))
	require.Nil(t, s.ViewTask(ctx, 1))
	require.Empty(t, s.ListTasks(ctx, task.ListFilter{}))
	require.Zero(t, s.CountTasks(ctx, ""))
	minStarted, maxCompleted := s.MinMaxTasks(ctx)
	require.Nil(t, minStarted)
	require.Nil(t, maxCompleted)

	require.Equal(t, 6, logs.FilterMessage("persistence failure").Len())
	after := counterValue(t, "bass_hunter_persistence_failures_total", map[string]string{"op": "add"})
	require.Equal(t, before+1, after)
}

func TestSharedTagAppearsOnBothTasks(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	a := s.Add(ctx, task.NewTask{Target: "a.example", Tags: []string{"x"}})
	b := s.Add(ctx, task.NewTask{Target: "b.example", Tags: []string{"x", "y"}})

	tasks := s.ViewTasks(ctx, []int64{b, a})
	require.Len(t, tasks, 2)
	require.Equal(t, []string{"x"}, tasks[0].Tags)
	require.Equal(t, []string{"x", "y"}, tasks[1].Tags)
}

func TestDeleteTaskRemovesOnlyItsErrors(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	a := s.Add(ctx, task.NewTask{Target: "a.example"})
	b := s.Add(ctx, task.NewTask{Target: "b.example"})
	require.NotZero(t, s.AddError(ctx, a, "timeout", "capture"))
	require.NotZero(t, s.AddError(ctx, b, "dns", "capture"))

	require.True(t, s.DeleteTask(ctx, a))
	require.Empty(t, s.ViewErrors(ctx, a))
	require.Len(t, s.ViewErrors(ctx, b), 1)
	require.Nil(t, s.ViewTask(ctx, a))
	require.False(t, s.DeleteTask(ctx, a))
}

func TestViewSubmitReturnsTasksInInsertionOrder(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	submitID := s.AddSubmit(ctx, task.NewSubmit{Path: "feeds/new.txt", Kind: "file"})
	require.NotZero(t, submitID)

	first := s.Add(ctx, task.NewTask{Target: "z.example", SubmitID: &submitID})
	second := s.Add(ctx, task.NewTask{Target: "a.example", SubmitID: &submitID})

	sub := s.ViewSubmit(ctx, submitID, true)
	require.NotNil(t, sub)
	require.Len(t, sub.Tasks, 2)
	require.Equal(t, first, sub.Tasks[0].ID)
	require.Equal(t, second, sub.Tasks[1].ID)

	bare := s.ViewSubmit(ctx, submitID, false)
	require.NotNil(t, bare)
	require.Empty(t, bare.Tasks)
}

func TestCrawlerRemoveLeavesTaskStatus(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	id := s.Add(ctx, task.NewTask{Target: "example.com"})
	require.NotNil(t, s.Fetch(ctx))

	crawlerID := s.CrawlerStart(ctx, id, "crawler-1", "Mozilla/5.0")
	require.NotZero(t, crawlerID)
	require.True(t, s.CrawlerRemove(ctx, crawlerID))

	require.Equal(t, task.StatusRunning, s.ViewTask(ctx, id).Status)
	require.Nil(t, s.ViewCrawler(ctx, id))
}

func TestCrawlerLifecycle(t *testing.T) {
	t.Parallel()

	s, logs := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	id := s.Add(ctx, task.NewTask{Target: "example.com"})

	crawlerID := s.CrawlerStart(ctx, id, "crawler-1", "Mozilla/5.0")
	require.NotZero(t, crawlerID)
	require.Zero(t, s.CrawlerStart(ctx, id, "crawler-2", "Mozilla/5.0"))
	require.Equal(t, 1, logs.FilterMessage("inconsistent state").Len())

	require.True(t, s.CrawlerSetStatus(ctx, id, task.CrawlerRunning))
	require.False(t, s.CrawlerSetStatus(ctx, id, task.CrawlerStatus("zombie")))
	require.True(t, s.CrawlerStop(ctx, crawlerID))
	require.False(t, s.CrawlerStop(ctx, crawlerID))

	c := s.ViewCrawler(ctx, id)
	require.NotNil(t, c)
	require.Equal(t, task.CrawlerStopped, c.Status)
	require.NotNil(t, c.ShutdownOn)
}

func TestRecoverOnlyLeavesFailed(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	failed := s.Add(ctx, task.NewTask{Target: "failed.example"})
	pending := s.Add(ctx, task.NewTask{Target: "pending.example"})
	require.True(t, s.SetStatus(ctx, failed, task.StatusFailed))

	require.True(t, s.Recover(ctx, failed))
	require.Equal(t, task.StatusRecovered, s.ViewTask(ctx, failed).Status)
	require.False(t, s.Recover(ctx, failed))
	require.False(t, s.Recover(ctx, pending))
}

func TestAddRejectsBlankTarget(t *testing.T) {
	t.Parallel()

	s, logs := newTestStore(t, memory.NewRepository())
	require.Zero(t, s.Add(context.Background(), task.NewTask{Target: "   "}))
	require.Equal(t, 1, logs.FilterMessage("invalid input").Len())
}

func TestCountsAndRange(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()
	minStarted, maxCompleted := s.MinMaxTasks(ctx)
	require.Nil(t, minStarted)
	require.Nil(t, maxCompleted)

	id := s.Add(ctx, task.NewTask{Target: "a.example"})
	s.Add(ctx, task.NewTask{Target: "b.example"})
	require.NotNil(t, s.Fetch(ctx))
	require.True(t, s.SetStatus(ctx, id, task.StatusCompleted))

	require.Equal(t, 2, s.CountTasks(ctx, ""))
	require.Equal(t, 1, s.CountTasks(ctx, task.StatusPending))
	require.Equal(t, 1, s.CountTasks(ctx, task.StatusCompleted))

	minStarted, maxCompleted = s.MinMaxTasks(ctx)
	require.NotNil(t, minStarted)
	require.NotNil(t, maxCompleted)
	require.True(t, minStarted.Before(*maxCompleted))

	listed := s.ListTasks(ctx, task.ListFilter{Status: task.StatusCompleted})
	require.Len(t, listed, 1)
	require.Equal(t, id, listed[0].ID)
}

func TestDomainsBrowsersAndImages(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, memory.NewRepository())
	ctx := context.Background()

	domainID := s.AddDomain(ctx, " Example.COM ")
	require.NotZero(t, domainID)
	require.Equal(t, domainID, s.AddDomain(ctx, "example.com"))
	require.Zero(t, s.AddDomain(ctx, " "))
	d := s.ViewDomain(ctx, domainID)
	require.NotNil(t, d)
	require.Equal(t, "example.com", d.Name)
	require.Len(t, d.MD5, 32)
	require.Len(t, d.SHA256, 64)
	require.Len(t, s.ListDomains(ctx), 1)
	require.True(t, s.DeleteDomain(ctx, domainID))
	require.Empty(t, s.ListDomains(ctx))

	require.NotZero(t, s.AddBrowser(ctx, task.Browser{Name: "chrome", UserAgent: "Mozilla/5.0", Tags: []string{"b", "a", "a"}}))
	require.Zero(t, s.AddBrowser(ctx, task.Browser{Name: ""}))
	b := s.ViewBrowser(ctx, "chrome")
	require.NotNil(t, b)
	require.Equal(t, []string{"a", "b"}, b.Tags)
	require.Len(t, s.ListBrowsers(ctx), 1)
	require.Nil(t, s.ViewBrowser(ctx, "safari"))

	id := s.Add(ctx, task.NewTask{Target: "example.com"})
	require.Zero(t, s.AddImage(ctx, task.Image{TaskID: id}))
	require.NotZero(t, s.AddImage(ctx, task.Image{TaskID: id, Target: "example.com", Hash: "abc", URI: "memory://abc"}))
	require.Len(t, s.ListImages(ctx, task.ImageFilter{TaskID: id}), 1)
	require.Empty(t, s.ListImages(ctx, task.ImageFilter{Target: "other.example"}))
}
