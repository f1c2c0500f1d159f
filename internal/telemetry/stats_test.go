package telemetry

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStats_Snapshot(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.JobStarted()
	s.JobStarted()
	s.JobCompleted()
	s.PendingJobCancelled()
	s.APICall(512)
	s.APICall(256)
	s.RateLimitHit()
	s.EntitiesSynced(7)
	s.EntitiesFailed(2)
	s.ConflictDetected()
	s.ConflictResolved()
	s.ConflictQueued()
	s.Retry()

	require.Equal(t, Snapshot{
		ActiveJobs:        1,
		APICalls:          2,
		BytesTransferred:  768,
		ConflictsDetected: 1,
		ConflictsQueued:   1,
		ConflictsResolved: 1,
		EntitiesFailed:    2,
		EntitiesSynced:    7,
		JobsCancelled:     1,
		JobsCompleted:     1,
		JobsStarted:       2,
		RateLimitHits:     1,
		Retries:           1,
	}, s.Snapshot())
}

func TestStats_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewStats()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.APICall(1)
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Equal(t, int64(1600), snap.APICalls)
	require.Equal(t, int64(1600), snap.BytesTransferred)
}

func TestCollector(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.JobStarted()
	s.JobFailed()
	s.APICall(10)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(s.Snapshot)))

	expected := `
# HELP adsmirror_api_calls_total Remote fetch calls made.
# TYPE adsmirror_api_calls_total counter
adsmirror_api_calls_total 1
# HELP adsmirror_jobs_total Sync jobs by final outcome.
# TYPE adsmirror_jobs_total counter
adsmirror_jobs_total{outcome="cancelled"} 0
adsmirror_jobs_total{outcome="completed"} 0
adsmirror_jobs_total{outcome="failed"} 1
adsmirror_jobs_total{outcome="paused"} 0
adsmirror_jobs_total{outcome="started"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"adsmirror_api_calls_total", "adsmirror_jobs_total")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 15, count)
}
