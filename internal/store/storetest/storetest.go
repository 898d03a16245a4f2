// Package storetest holds behavior checks shared by every store.Repository
// backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finleyh/bass-hunter/internal/store"
	"github.com/finleyh/bass-hunter/internal/task"
)

// Opener returns an empty repository owned by t.
type Opener func(t *testing.T) store.Repository

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises open against the repository contract.
func Run(t *testing.T, open Opener) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, repo store.Repository)
	}{
		{"CreateAndGetTask", testCreateAndGetTask},
		{"ClaimPendingOrder", testClaimPendingOrder},
		{"ClaimPendingStampsOnce", testClaimPendingStampsOnce},
		{"UpdateStatusEdges", testUpdateStatusEdges},
		{"SetRoute", testSetRoute},
		{"ClaimForProcessing", testClaimForProcessing},
		{"GetTasks", testGetTasks},
		{"ListTasks", testListTasks},
		{"CountAndMinMax", testCountAndMinMax},
		{"DeleteTaskCascades", testDeleteTaskCascades},
		{"CrawlerLifecycle", testCrawlerLifecycle},
		{"Errors", testErrors},
		{"Submits", testSubmits},
		{"Domains", testDomains},
		{"Browsers", testBrowsers},
		{"Images", testImages},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func mustCreate(t *testing.T, repo store.Repository, nt task.NewTask, at time.Time) int64 {
	t.Helper()
	if nt.Priority == 0 {
		nt.Priority = task.DefaultPriority
	}
	id, err := repo.CreateTask(context.Background(), nt, at)
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func testCreateAndGetTask(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id := mustCreate(t, repo, task.NewTask{
		Target:   "example.com",
		Package:  "phishing",
		Options:  map[string]string{"depth": "2", "mode": "fast"},
		Owner:    "ops",
		Priority: 3,
		Tags:     []string{"zeta", "alpha"},
	}, base)

	got, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, "example.com", got.Target)
	require.Equal(t, "phishing", got.Package)
	require.Equal(t, map[string]string{"depth": "2", "mode": "fast"}, got.Options)
	require.Equal(t, "ops", got.Owner)
	require.Equal(t, 3, got.Priority)
	require.Equal(t, task.StatusPending, got.Status)
	require.True(t, got.AddedOn.Equal(base))
	require.Nil(t, got.StartedOn)
	require.Nil(t, got.CompletedOn)
	require.Equal(t, []string{"alpha", "zeta"}, got.Tags)
	require.Equal(t, int64(-1), got.Duration())

	_, err = repo.GetTask(ctx, id+1000)
	require.ErrorIs(t, err, task.ErrNotFound)
}

func testClaimPendingOrder(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustCreate(t, repo, task.NewTask{Target: "a.example", Priority: 1}, base)
	b := mustCreate(t, repo, task.NewTask{Target: "b.example", Priority: 1}, base.Add(time.Second))
	c := mustCreate(t, repo, task.NewTask{Target: "c.example", Priority: 5}, base.Add(2*time.Second))

	var order []int64
	for range 3 {
		got, err := repo.ClaimPending(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, task.StatusRunning, got.Status)
		order = append(order, got.ID)
	}
	require.Equal(t, []int64{c, a, b}, order)

	_, err := repo.ClaimPending(ctx, base.Add(time.Minute))
	require.ErrorIs(t, err, task.ErrNotFound)
}

func testClaimPendingStampsOnce(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id := mustCreate(t, repo, task.NewTask{Target: "example.com"}, base)
	started := base.Add(time.Minute)

	got, err := repo.ClaimPending(ctx, started)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.NotNil(t, got.StartedOn)
	require.True(t, got.StartedOn.Equal(started))

	require.ErrorIs(t, repo.UpdateStatus(ctx, id, task.StatusRunning, started.Add(time.Hour)), task.ErrInvalidTransition)

	completed := started.Add(90 * time.Second)
	require.NoError(t, repo.UpdateStatus(ctx, id, task.StatusCompleted, completed))
	got, err = repo.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, got.StartedOn.Equal(started))
	require.True(t, got.CompletedOn.Equal(completed))
	require.Equal(t, int64(90), got.Duration())
}

func testUpdateStatusEdges(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id := mustCreate(t, repo, task.NewTask{Target: "example.com"}, base)

	require.ErrorIs(t, repo.UpdateStatus(ctx, id, task.StatusCompleted, base), task.ErrInvalidTransition)
	require.ErrorIs(t, repo.UpdateStatus(ctx, id, task.StatusReported, base), task.ErrInconsistentState)
	require.NoError(t, repo.UpdateStatus(ctx, id, task.StatusRunning, base))
	require.NoError(t, repo.UpdateStatus(ctx, id, task.StatusCompleted, base))
	require.NoError(t, repo.UpdateStatus(ctx, id, task.StatusReported, base))
	require.ErrorIs(t, repo.UpdateStatus(ctx, id, task.StatusFailed, base), task.ErrInvalidTransition)

	failed := mustCreate(t, repo, task.NewTask{Target: "failed.example"}, base)
	require.NoError(t, repo.UpdateStatus(ctx, failed, task.StatusFailed, base))
	require.NoError(t, repo.UpdateStatus(ctx, failed, task.StatusRecovered, base))

	got, err := repo.GetTask(ctx, failed)
	require.NoError(t, err)
	require.Equal(t, task.StatusRecovered, got.Status)

	require.ErrorIs(t, repo.UpdateStatus(ctx, 999999, task.StatusRunning, base), task.ErrNotFound)
}

func testSetRoute(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id := mustCreate(t, repo, task.NewTask{Target: "example.com"}, base)

	require.NoError(t, repo.SetRoute(ctx, id, "tor"))
	got, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "tor", got.Route)

	require.ErrorIs(t, repo.SetRoute(ctx, 999999, "vpn0"), task.ErrNotFound)
}

func testClaimForProcessing(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	first := mustCreate(t, repo, task.NewTask{Target: "first.example"}, base)
	second := mustCreate(t, repo, task.NewTask{Target: "second.example"}, base)
	pending := mustCreate(t, repo, task.NewTask{Target: "pending.example"}, base)

	for i, id := range []int64{first, second} {
		require.NoError(t, repo.UpdateStatus(ctx, id, task.StatusRunning, base))
		require.NoError(t, repo.UpdateStatus(ctx, id, task.StatusCompleted, base.Add(time.Duration(i+1)*time.Minute)))
	}

	got, err := repo.ClaimForProcessing(ctx, "instance-a")
	require.NoError(t, err)
	require.Equal(t, first, got)

	got, err = repo.ClaimForProcessing(ctx, "instance-b")
	require.NoError(t, err)
	require.Equal(t, second, got)

	_, err = repo.ClaimForProcessing(ctx, "instance-a")
	require.ErrorIs(t, err, task.ErrNotFound)

	marked, err := repo.GetTask(ctx, first)
	require.NoError(t, err)
	require.Equal(t, "instance-a", marked.Processing)
	unmarked, err := repo.GetTask(ctx, pending)
	require.NoError(t, err)
	require.Empty(t, unmarked.Processing)
}

func testGetTasks(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustCreate(t, repo, task.NewTask{Target: "a.example"}, base)
	b := mustCreate(t, repo, task.NewTask{Target: "b.example"}, base)

	got, err := repo.GetTasks(ctx, []int64{b, 999999, a})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a, got[0].ID)
	require.Equal(t, b, got[1].ID)

	empty, err := repo.GetTasks(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testListTasks(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	var ids []int64
	for i := range 5 {
		owner := "ops"
		if i%2 == 1 {
			owner = "intel"
		}
		ids = append(ids, mustCreate(t, repo, task.NewTask{
			Target:  "example.com",
			Owner:   owner,
			Package: "phishing",
		}, base.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, repo.UpdateStatus(ctx, ids[0], task.StatusRunning, base))

	all, err := repo.ListTasks(ctx, task.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, ids[4], all[0].ID)
	require.Equal(t, ids[0], all[4].ID)

	asc, err := repo.ListTasks(ctx, task.ListFilter{Ascending: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, asc, 2)
	require.Equal(t, ids[1], asc[0].ID)
	require.Equal(t, ids[2], asc[1].ID)

	intel, err := repo.ListTasks(ctx, task.ListFilter{Owner: "intel"})
	require.NoError(t, err)
	require.Len(t, intel, 2)

	running, err := repo.ListTasks(ctx, task.ListFilter{Status: task.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, ids[0], running[0].ID)

	after := base.Add(2 * time.Hour)
	before := base.Add(4 * time.Hour)
	window, err := repo.ListTasks(ctx, task.ListFilter{AddedAfter: &after, AddedBefore: &before, Ascending: true})
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, ids[2], window[0].ID)
	require.Equal(t, ids[3], window[1].ID)

	none, err := repo.ListTasks(ctx, task.ListFilter{Package: "malware"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testCountAndMinMax(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	minStarted, maxCompleted, err := repo.MinMaxTasks(ctx)
	require.NoError(t, err)
	require.Nil(t, minStarted)
	require.Nil(t, maxCompleted)

	a := mustCreate(t, repo, task.NewTask{Target: "a.example"}, base)
	b := mustCreate(t, repo, task.NewTask{Target: "b.example"}, base)
	mustCreate(t, repo, task.NewTask{Target: "c.example"}, base)

	require.NoError(t, repo.UpdateStatus(ctx, a, task.StatusRunning, base.Add(time.Minute)))
	require.NoError(t, repo.UpdateStatus(ctx, b, task.StatusRunning, base.Add(2*time.Minute)))
	require.NoError(t, repo.UpdateStatus(ctx, a, task.StatusCompleted, base.Add(5*time.Minute)))

	total, err := repo.CountTasks(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 3, total)
	pending, err := repo.CountTasks(ctx, task.StatusPending)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	minStarted, maxCompleted, err = repo.MinMaxTasks(ctx)
	require.NoError(t, err)
	require.NotNil(t, minStarted)
	require.NotNil(t, maxCompleted)
	require.True(t, minStarted.Equal(base.Add(time.Minute)))
	require.True(t, maxCompleted.Equal(base.Add(5*time.Minute)))
}

func testDeleteTaskCascades(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id := mustCreate(t, repo, task.NewTask{Target: "example.com", Tags: []string{"x"}}, base)
	other := mustCreate(t, repo, task.NewTask{Target: "other.example", Tags: []string{"x"}}, base)

	_, err := repo.CreateError(ctx, id, "timeout", "capture")
	require.NoError(t, err)
	_, err = repo.CreateError(ctx, other, "dns", "")
	require.NoError(t, err)
	_, err = repo.CreateCrawler(ctx, id, "crawler-1", "ua", base)
	require.NoError(t, err)
	_, err = repo.CreateImage(ctx, task.Image{TaskID: id, Target: "example.com", Hash: "h", URI: "mem://h"}, base)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteTask(ctx, id))

	_, err = repo.GetTask(ctx, id)
	require.ErrorIs(t, err, task.ErrNotFound)
	errs, err := repo.ListErrors(ctx, id)
	require.NoError(t, err)
	require.Empty(t, errs)
	_, err = repo.GetCrawler(ctx, id)
	require.ErrorIs(t, err, task.ErrNotFound)
	images, err := repo.ListImages(ctx, task.ImageFilter{TaskID: id})
	require.NoError(t, err)
	require.Empty(t, images)

	kept, err := repo.GetTask(ctx, other)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, kept.Tags)
	otherErrs, err := repo.ListErrors(ctx, other)
	require.NoError(t, err)
	require.Len(t, otherErrs, 1)

	require.ErrorIs(t, repo.DeleteTask(ctx, id), task.ErrNotFound)
}

func testCrawlerLifecycle(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id := mustCreate(t, repo, task.NewTask{Target: "example.com"}, base)

	_, err := repo.CreateCrawler(ctx, 999999, "crawler-x", "ua", base)
	require.ErrorIs(t, err, task.ErrNotFound)

	crawlerID, err := repo.CreateCrawler(ctx, id, "crawler-1", "Mozilla/5.0", base)
	require.NoError(t, err)
	_, err = repo.CreateCrawler(ctx, id, "crawler-2", "Mozilla/5.0", base)
	require.ErrorIs(t, err, task.ErrInconsistentState)

	got, err := repo.GetCrawler(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawlerID, got.ID)
	require.Equal(t, task.CrawlerInit, got.Status)
	require.Equal(t, "Mozilla/5.0", got.UserAgent)
	require.Nil(t, got.ShutdownOn)

	require.NoError(t, repo.UpdateCrawlerStatus(ctx, id, task.CrawlerRunning, base))
	require.ErrorIs(t, repo.UpdateCrawlerStatus(ctx, id, task.CrawlerInit, base), task.ErrInconsistentState)

	stopped := base.Add(time.Hour)
	require.NoError(t, repo.StopCrawler(ctx, crawlerID, stopped))
	require.ErrorIs(t, repo.StopCrawler(ctx, crawlerID, stopped), task.ErrInconsistentState)

	got, err = repo.GetCrawler(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.CrawlerStopped, got.Status)
	require.NotNil(t, got.ShutdownOn)
	require.True(t, got.ShutdownOn.Equal(stopped))

	require.NoError(t, repo.DeleteCrawler(ctx, crawlerID))
	require.ErrorIs(t, repo.DeleteCrawler(ctx, crawlerID), task.ErrNotFound)
	_, err = repo.GetCrawler(ctx, id)
	require.ErrorIs(t, err, task.ErrNotFound)
	require.ErrorIs(t, repo.UpdateCrawlerStatus(ctx, id, task.CrawlerRunning, base), task.ErrNotFound)
}

func testErrors(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id := mustCreate(t, repo, task.NewTask{Target: "example.com"}, base)

	_, err := repo.CreateError(ctx, 999999, "boom", "")
	require.ErrorIs(t, err, task.ErrNotFound)

	first, err := repo.CreateError(ctx, id, "first", "capture")
	require.NoError(t, err)
	second, err := repo.CreateError(ctx, id, "second", "")
	require.NoError(t, err)
	require.Greater(t, second, first)

	got, err := repo.ListErrors(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Message)
	require.Equal(t, "capture", got[0].Action)
	require.Equal(t, "second", got[1].Message)
	require.Empty(t, got[1].Action)
}

func testSubmits(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	submitID, err := repo.CreateSubmit(ctx, task.NewSubmit{
		Path:     "feeds/typosquats.txt",
		Kind:     "file",
		Metadata: map[string]any{"source": "certstream"},
	}, base)
	require.NoError(t, err)

	missing := int64(999999)
	_, err = repo.CreateTask(ctx, task.NewTask{Target: "x.example", Priority: 1, SubmitID: &missing}, base)
	require.ErrorIs(t, err, task.ErrNotFound)

	b := mustCreate(t, repo, task.NewTask{Target: "b.example", SubmitID: &submitID}, base)
	a := mustCreate(t, repo, task.NewTask{Target: "a.example", SubmitID: &submitID}, base)
	mustCreate(t, repo, task.NewTask{Target: "loose.example"}, base)

	s, err := repo.GetSubmit(ctx, submitID, false)
	require.NoError(t, err)
	require.Equal(t, "file", s.Kind)
	require.Equal(t, "feeds/typosquats.txt", s.Path)
	require.Equal(t, "certstream", s.Metadata["source"])
	require.Empty(t, s.Tasks)

	s, err = repo.GetSubmit(ctx, submitID, true)
	require.NoError(t, err)
	require.Len(t, s.Tasks, 2)
	require.Equal(t, b, s.Tasks[0].ID)
	require.Equal(t, a, s.Tasks[1].ID)
	require.Equal(t, submitID, *s.Tasks[0].SubmitID)

	_, err = repo.GetSubmit(ctx, 999999, true)
	require.ErrorIs(t, err, task.ErrNotFound)
}

func testDomains(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	d := task.Domain{Name: "example.com", MD5: "md5-a", SHA256: "sha-a"}

	id, err := repo.UpsertDomain(ctx, d, base)
	require.NoError(t, err)
	again, err := repo.UpsertDomain(ctx, d, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, id, again)

	other, err := repo.UpsertDomain(ctx, task.Domain{Name: "example.org", MD5: "md5-b", SHA256: "sha-b"}, base)
	require.NoError(t, err)

	list, err := repo.ListDomains(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, id, list[0].ID)
	require.Equal(t, "sha-a", list[0].SHA256)

	got, err := repo.GetDomain(ctx, other)
	require.NoError(t, err)
	require.Equal(t, "example.org", got.Name)

	require.NoError(t, repo.DeleteDomain(ctx, other))
	require.ErrorIs(t, repo.DeleteDomain(ctx, other), task.ErrNotFound)
	_, err = repo.GetDomain(ctx, other)
	require.ErrorIs(t, err, task.ErrNotFound)
}

func testBrowsers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	id, err := repo.CreateBrowser(ctx, task.Browser{
		Name:      "chrome-desktop",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Tags:      []string{"linux", "desktop"},
	})
	require.NoError(t, err)
	_, err = repo.CreateBrowser(ctx, task.Browser{Name: "chrome-desktop"})
	require.Error(t, err)
	_, err = repo.CreateBrowser(ctx, task.Browser{Name: "bare"})
	require.NoError(t, err)

	got, err := repo.GetBrowser(ctx, "chrome-desktop")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, []string{"desktop", "linux"}, got.Tags)

	list, err := repo.ListBrowsers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "chrome-desktop", list[0].Name)
	require.Empty(t, list[1].Tags)

	_, err = repo.GetBrowser(ctx, "missing")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func testImages(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustCreate(t, repo, task.NewTask{Target: "a.example"}, base)
	b := mustCreate(t, repo, task.NewTask{Target: "b.example"}, base)

	_, err := repo.CreateImage(ctx, task.Image{TaskID: 999999, Target: "x", Hash: "h", URI: "u"}, base)
	require.ErrorIs(t, err, task.ErrNotFound)

	first, err := repo.CreateImage(ctx, task.Image{
		TaskID: a, Target: "a.example", Hash: "h1", URI: "file:///h1.png", ContentType: "image/png",
	}, base)
	require.NoError(t, err)
	_, err = repo.CreateImage(ctx, task.Image{TaskID: b, Target: "b.example", Hash: "h2", URI: "file:///h2.png"}, base)
	require.NoError(t, err)
	_, err = repo.CreateImage(ctx, task.Image{TaskID: a, Target: "a.example", Hash: "h3", URI: "file:///h3.html"}, base)
	require.NoError(t, err)

	all, err := repo.ListImages(ctx, task.ImageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	byTask, err := repo.ListImages(ctx, task.ImageFilter{TaskID: a})
	require.NoError(t, err)
	require.Len(t, byTask, 2)
	require.Equal(t, first, byTask[0].ID)
	require.Equal(t, "image/png", byTask[0].ContentType)

	byTarget, err := repo.ListImages(ctx, task.ImageFilter{Target: "b.example"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	require.Equal(t, "h2", byTarget[0].Hash)
}
