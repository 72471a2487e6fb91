package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"pgregory.net/rapid"
)

func TestMemoryJobs_CRUDAndPartialUpdate(t *testing.T) {
	s := OpenMemory()
	jobs := s.Jobs()
	dbc := Background()

	created, err := jobs.Create(dbc, &Job{
		Name:        "add",
		Payload:     datatypes.JSON(`{"a":1}`),
		Status:      JobPending,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NotEqual(t, "00000000-0000-0000-0000-000000000000", created.ID.String())

	// Partial update must not clobber sibling fields.
	require.NoError(t, jobs.Update(dbc, created.ID, map[string]any{"attempts": 2}))
	got, err := jobs.Get(dbc, created.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, "add", got.Name)
	require.Equal(t, 3, got.MaxAttempts)
	require.JSONEq(t, `{"a":1}`, string(got.Payload))

	existed, err := jobs.Delete(dbc, created.ID)
	require.NoError(t, err)
	require.True(t, existed)
	existed, err = jobs.Delete(dbc, created.ID)
	require.NoError(t, err)
	require.False(t, existed)
}

func TestMemoryJobs_ClaimIsExclusive(t *testing.T) {
	s := OpenMemory()
	jobs := s.Jobs()
	dbc := Background()

	j, err := jobs.Create(dbc, &Job{Name: "race", Status: JobPending, MaxAttempts: 1})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := jobs.Claim(dbc, j.ID)
			require.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	require.Equal(t, 1, won)

	got, err := jobs.Get(dbc, j.ID)
	require.NoError(t, err)
	require.Equal(t, JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

// Property: over any interleaving of claims on any number of pending jobs,
// each job is claimed exactly once.
func TestMemoryJobs_ClaimExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := OpenMemory()
		jobs := s.Jobs()
		dbc := Background()

		n := rapid.IntRange(1, 8).Draw(rt, "jobs")
		var ids []*Job
		for i := 0; i < n; i++ {
			j, err := jobs.Create(dbc, &Job{Name: "p", Status: JobPending, MaxAttempts: 1})
			if err != nil {
				rt.Fatal(err)
			}
			ids = append(ids, j)
		}

		claimers := rapid.IntRange(1, 6).Draw(rt, "claimers")
		wins := make([]int, n)
		var mu sync.Mutex
		var wg sync.WaitGroup
		for c := 0; c < claimers; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i, j := range ids {
					if won, _ := jobs.Claim(dbc, j.ID); won {
						mu.Lock()
						wins[i]++
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()

		for i, w := range wins {
			if w != 1 {
				rt.Fatalf("job %d claimed %d times", i, w)
			}
		}
	})
}

func TestMemoryJobs_GetScheduledReadyOrdering(t *testing.T) {
	s := OpenMemory()
	jobs := s.Jobs()
	dbc := Background()

	now := time.Now()
	later := now.Add(time.Hour)
	earlier := now.Add(-2 * time.Minute)
	earliest := now.Add(-5 * time.Minute)

	for _, at := range []*time.Time{&earlier, &later, &earliest} {
		_, err := jobs.Create(dbc, &Job{Name: "s", Status: JobScheduled, RunAt: at, MaxAttempts: 1})
		require.NoError(t, err)
	}

	ready, err := jobs.GetScheduledReady(dbc, now)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	require.True(t, ready[0].RunAt.Before(*ready[1].RunAt))
}

func TestMemoryStore_StoppedContract(t *testing.T) {
	s := OpenMemory()
	jobs := s.Jobs()
	dbc := Background()

	j, err := jobs.Create(dbc, &Job{Name: "x", Status: JobPending, MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, s.Close())

	// Selects return empty/nil, updates no-op.
	got, err := jobs.Get(dbc, j.ID)
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, jobs.Update(dbc, j.ID, map[string]any{"attempts": 99}))
	all, err := jobs.GetAll(dbc, Filters{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestMemoryWorkflows_OrphanDetection(t *testing.T) {
	s := OpenMemory()
	wf := s.WorkflowInstances()
	dbc := Background()

	stale := time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
	inst, err := wf.Create(dbc, &WorkflowInstance{
		WorkflowName: "iso",
		Status:       WorkflowRunning,
		Metadata: datatypes.JSONMap{
			"__watchdog": map[string]any{"pid": float64(12345), "lastHeartbeat": stale},
		},
	})
	require.NoError(t, err)

	orphans, err := wf.GetOrphaned(dbc, 30*time.Second, time.Now())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, inst.ID, orphans[0].ID)

	// A fresh heartbeat clears the orphan signal.
	require.NoError(t, wf.Update(dbc, inst.ID, map[string]any{
		"metadata": datatypes.JSONMap{
			"__watchdog": map[string]any{"pid": float64(12345), "lastHeartbeat": time.Now().Format(time.RFC3339Nano)},
		},
	}))
	orphans, err = wf.GetOrphaned(dbc, 30*time.Second, time.Now())
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestMemoryProcesses_GetByNameReturnsLatest(t *testing.T) {
	s := OpenMemory()
	procs := s.ManagedProcesses()
	dbc := Background()

	first, err := procs.Create(dbc, &ManagedProcess{Name: "svc", Status: ManagedStopped, Command: "true"})
	require.NoError(t, err)
	// Force distinct createdAt ordering.
	require.NoError(t, procs.Update(dbc, first.ID, map[string]any{"error": "old"}))
	time.Sleep(2 * time.Millisecond)
	second, err := procs.Create(dbc, &ManagedProcess{Name: "svc", Status: ManagedRunning, Command: "true"})
	require.NoError(t, err)

	got, err := procs.GetByName(dbc, "svc")
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
}

func TestMemoryCleanup_DeletesOnlyTerminal(t *testing.T) {
	s := OpenMemory()
	jobs := s.Jobs()
	dbc := Background()

	old := time.Now().Add(-48 * time.Hour)
	done, err := jobs.Create(dbc, &Job{Name: "old", Status: JobCompleted, MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, jobs.Update(dbc, done.ID, map[string]any{"completed_at": old}))

	live, err := jobs.Create(dbc, &Job{Name: "live", Status: JobRunning, MaxAttempts: 1})
	require.NoError(t, err)

	n, err := jobs.DeleteTerminalBefore(dbc, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := jobs.Get(dbc, live.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}
