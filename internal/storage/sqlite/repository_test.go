package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finleyh/bass-hunter/internal/store"
	"github.com/finleyh/bass-hunter/internal/store/storetest"
	"github.com/finleyh/bass-hunter/internal/task"
)

func openTemp(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepositoryConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) store.Repository {
		return openTemp(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	require.Error(t, err)
}

func TestDSNAppendsPragmas(t *testing.T) {
	t.Parallel()

	require.Equal(t, "queue.db?"+pragmas, dsn("queue.db"))
	require.Equal(t, "file:queue.db?mode=rwc&"+pragmas, dsn("file:queue.db?mode=rwc"))
}

func TestReopenKeepsTasks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	repo, err := Open(path)
	require.NoError(t, err)
	id, err := repo.CreateTask(ctx, task.NewTask{Target: "example.com", Priority: 2, Tags: []string{"x"}}, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	got, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, got.Priority)
	require.Equal(t, []string{"x"}, got.Tags)
}

func TestClaimPendingIsExclusiveUnderContention(t *testing.T) {
	t.Parallel()

	repo := openTemp(t)
	ctx := context.Background()
	now := time.Now()
	const tasks = 20
	for range tasks {
		_, err := repo.CreateTask(ctx, task.NewTask{Target: "example.com", Priority: 1}, now)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := repo.ClaimPending(ctx, now)
				if err != nil {
					require.ErrorIs(t, err, task.ErrNotFound)
					return
				}
				mu.Lock()
				seen[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, tasks)
	for id, n := range seen {
		require.Equal(t, 1, n, "task %d claimed more than once", id)
	}
}

func TestClaimPendingAcrossHandlesOnOneFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()
	handles := make([]*Repository, 2)
	for i := range handles {
		repo, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		handles[i] = repo
	}

	const rounds, perRound = 10, 4
	for round := range rounds {
		now := time.Now()
		for range perRound {
			_, err := handles[0].CreateTask(ctx, task.NewTask{Target: "example.com"}, now)
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[int64]int)
			errs []error
			wg   sync.WaitGroup
		)
		for i := range perRound {
			repo := handles[i%len(handles)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := repo.ClaimPending(ctx, now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				seen[got.ID]++
			}()
		}
		wg.Wait()

		require.Empty(t, errs, "round %d", round)
		require.Len(t, seen, perRound, "round %d", round)
		for id, n := range seen {
			require.Equal(t, 1, n, "task %d claimed more than once", id)
		}
		for id := range seen {
			require.NoError(t, handles[1].UpdateStatus(ctx, id, task.StatusCompleted, now))
		}
	}
}
