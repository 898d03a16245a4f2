package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/clock/system"
	pubmemory "github.com/finleyh/bass-hunter/internal/publisher/memory"
	"github.com/finleyh/bass-hunter/internal/queue"
	"github.com/finleyh/bass-hunter/internal/storage/memory"
	"github.com/finleyh/bass-hunter/internal/task"
)

func newQueue(t *testing.T, repo *memory.Repository) *queue.Store {
	t.Helper()
	q, err := queue.New(repo, system.New(), zap.NewNop())
	require.NoError(t, err)
	return q
}

// completeTask runs a task through pending, running and completed.
func completeTask(t *testing.T, q *queue.Store, target string, tags ...string) int64 {
	t.Helper()
	ctx := context.Background()
	id := q.Add(ctx, task.NewTask{Target: target, Tags: tags})
	require.NotZero(t, id)
	got := q.Fetch(ctx)
	require.NotNil(t, got)
	require.True(t, q.SetStatus(ctx, got.ID, task.StatusCompleted))
	return got.ID
}

func newProcessor(t *testing.T, q Queue, pub *pubmemory.Publisher, instance string) *Processor {
	t.Helper()
	p, err := New(q, pub, system.New(), Config{InstanceID: instance, Topic: "analysis"}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	q := newQueue(t, memory.NewRepository())
	pub := pubmemory.New()
	clk := system.New()

	_, err := New(nil, pub, clk, Config{InstanceID: "a", Topic: "t"}, nil)
	require.Error(t, err)
	_, err = New(q, nil, clk, Config{InstanceID: "a", Topic: "t"}, nil)
	require.Error(t, err)
	_, err = New(q, pub, clk, Config{Topic: "t"}, nil)
	require.ErrorContains(t, err, "instance id")
	_, err = New(q, pub, clk, Config{InstanceID: "a"}, nil)
	require.ErrorContains(t, err, "topic")

	p, err := New(q, pub, clk, Config{InstanceID: "a", Topic: "t"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, p.cfg.PollInterval)
}

func TestRunOncePublishesAndReports(t *testing.T) {
	t.Parallel()

	q := newQueue(t, memory.NewRepository())
	ctx := context.Background()
	id := completeTask(t, q, "example.com", "phish")
	require.NotZero(t, q.AddImage(ctx, task.Image{
		TaskID: id, Target: "example.com", Hash: "abc", URI: "memory://images/1/abc.png", ContentType: "image/png",
	}))

	pub := pubmemory.New()
	p := newProcessor(t, q, pub, "proc-1")
	require.True(t, p.RunOnce(ctx))
	require.False(t, p.RunOnce(ctx))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "analysis", msgs[0].Topic)
	n, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, id, n.TaskID)
	require.Equal(t, "example.com", n.Target)
	require.Equal(t, []string{"phish"}, n.Tags)
	require.Equal(t, "proc-1", n.InstanceID)
	require.Len(t, n.Images, 1)
	require.Equal(t, "memory://images/1/abc.png", n.Images[0].URI)
	require.GreaterOrEqual(t, n.Duration, int64(0))

	got := q.ViewTask(ctx, id)
	require.Equal(t, task.StatusReported, got.Status)
	require.Equal(t, "proc-1", got.Processing)
}

func TestRunOnceMarksFailedWhenPublishFails(t *testing.T) {
	t.Parallel()

	q := newQueue(t, memory.NewRepository())
	ctx := context.Background()
	id := completeTask(t, q, "example.com")

	pub := pubmemory.New()
	pub.FailWith(errors.New("broker down"))
	p := newProcessor(t, q, pub, "proc-1")
	require.True(t, p.RunOnce(ctx))

	require.Equal(t, task.StatusFailed, q.ViewTask(ctx, id).Status)
	errs := q.ViewErrors(ctx, id)
	require.Len(t, errs, 1)
	require.Equal(t, ActionNotify, errs[0].Action)
	require.Contains(t, errs[0].Message, "broker down")

	// The claim marker stays, so no other instance picks the task up again.
	require.False(t, newProcessor(t, q, pubmemory.New(), "proc-2").RunOnce(ctx))
}

func TestInstancesNeverShareATask(t *testing.T) {
	t.Parallel()

	repo := memory.NewRepository()
	seed := newQueue(t, repo)
	const tasks = 12
	for range tasks {
		completeTask(t, seed, "example.com")
	}

	pub := pubmemory.New()
	var wg sync.WaitGroup
	for _, instance := range []string{"proc-a", "proc-b", "proc-c"} {
		p := newProcessor(t, newQueue(t, repo), pub, instance)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p.RunOnce(context.Background()) {
			}
		}()
	}
	wg.Wait()

	seen := map[int64]int{}
	for _, m := range pub.Messages() {
		seen[m.Payload.(Notification).TaskID]++
	}
	require.Len(t, seen, tasks)
	for id, n := range seen {
		require.Equal(t, 1, n, "task %d published twice", id)
	}
	require.Equal(t, tasks, seed.CountTasks(context.Background(), task.StatusReported))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := newQueue(t, memory.NewRepository())
	pub := pubmemory.New()
	p, err := New(q, pub, system.New(), Config{InstanceID: "proc-1", Topic: "analysis", PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	completeTask(t, q, "late.example")
	require.Eventually(t, func() bool { return len(pub.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop after context cancel")
	}
}
