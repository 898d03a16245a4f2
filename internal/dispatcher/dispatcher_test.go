package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcherRunStartsRunnersAndWaits(t *testing.T) {
	t.Parallel()

	var started, stopped atomic.Int32
	runner := RunnerFunc(func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		stopped.Add(1)
	})
	d := New([]Runner{runner, runner, runner}, zap.NewNop())
	require.Equal(t, 3, d.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.EqualValues(t, 3, stopped.Load())
}

func TestDispatcherSurvivesPanickingRunner(t *testing.T) {
	t.Parallel()

	var ran atomic.Bool
	d := New([]Runner{
		RunnerFunc(func(context.Context) { panic("boom") }),
		RunnerFunc(func(context.Context) { ran.Store(true) }),
	}, nil)

	d.Run(context.Background())
	require.True(t, ran.Load())
}

func TestDispatcherWithNoRunnersReturns(t *testing.T) {
	t.Parallel()

	New(nil, nil).Run(context.Background())
}
