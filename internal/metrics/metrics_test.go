package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := taskClaimsTotal
	Init()
	require.Same(t, first, taskClaimsTotal)
}

func TestObserversUpdateCollectors(t *testing.T) {
	Init()

	added := testutil.ToFloat64(tasksAddedTotal)
	ObserveTaskAdded()
	require.Equal(t, added+1, testutil.ToFloat64(tasksAddedTotal))

	conflicts := testutil.ToFloat64(taskClaimsTotal.WithLabelValues(ClaimFetch, OutcomeConflict))
	ObserveClaim(ClaimFetch, OutcomeConflict)
	require.Equal(t, conflicts+1, testutil.ToFloat64(taskClaimsTotal.WithLabelValues(ClaimFetch, OutcomeConflict)))

	failures := testutil.ToFloat64(persistenceFailuresTotal.WithLabelValues("add"))
	ObservePersistenceFailure("add")
	require.Equal(t, failures+1, testutil.ToFloat64(persistenceFailuresTotal.WithLabelValues("add")))

	reported := testutil.ToFloat64(taskTransitionsTotal.WithLabelValues("reported"))
	ObserveTransition("reported")
	require.Equal(t, reported+1, testutil.ToFloat64(taskTransitionsTotal.WithLabelValues("reported")))

	workers := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	require.Equal(t, workers+1, testutil.ToFloat64(activeWorkers))
	DecActiveWorkers()
	require.Equal(t, workers, testutil.ToFloat64(activeWorkers))

	ObserveCapture("headless", 2*time.Second)
	ObserveRateLimitDelay("example.com", time.Second)
	require.Positive(t, testutil.CollectAndCount(captureDurationSeconds))
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}
