package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/walker/internal/model"
)

// testStores returns every store implementation available in this
// environment. PostgreSQL joins only when WALKER_TEST_POSTGRES_DSN is set.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{}

	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	stores[DriverSQLite] = s

	if dsn := os.Getenv("WALKER_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(dsn, slog.New(slog.NewJSONHandler(io.Discard, nil)))
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		t.Cleanup(func() { pg.Close() })
		stores[DriverPostgres] = pg
	}
	return stores
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func makeTestJob(owner string, hosts ...string) (*model.Job, *model.Mission) {
	if len(hosts) == 0 {
		hosts = []string{"10.0.0.1", "10.0.0.2"}
	}
	j := model.NewJob("test-job", owner, hosts, time.Now().UTC().Truncate(time.Second))
	return j, model.NewInlineMission(j.ID, "uptime", "ops")
}

func TestCreateAndGetJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, m := makeTestJob("alice", "10.0.0.3", "10.0.0.1", "10.0.0.2")

		if err := s.CreateJob(ctx, j, m); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		got, err := s.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.ID != j.ID || got.Name != j.Name || got.OwnerID != "alice" {
			t.Errorf("job = %+v, want id/name/owner of %+v", got, j)
		}
		if got.State != model.StatePending {
			t.Errorf("State = %q, want pending", got.State)
		}
		if got.AggregateCode != nil || got.FinishedAt != nil {
			t.Errorf("fresh job has aggregate/finished set: %+v", got)
		}
		if len(got.Trails) != 3 {
			t.Fatalf("len(Trails) = %d, want 3", len(got.Trails))
		}
		// Trails keep submission order, not address order.
		want := []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"}
		for i, tr := range got.Trails {
			if tr.Host != want[i] {
				t.Errorf("Trails[%d].Host = %q, want %q", i, tr.Host, want[i])
			}
			if tr.Summary != nil || tr.RawOutput != nil {
				t.Errorf("Trails[%d] populated at creation: %+v", i, tr)
			}
		}

		mission, err := s.GetMission(ctx, j.ID)
		if err != nil {
			t.Fatalf("GetMission: %v", err)
		}
		if mission.Kind != model.MissionInline || mission.Command != "uptime" || mission.RemoteUser != "ops" {
			t.Errorf("mission = %+v", mission)
		}
	})
}

func TestGetJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetJob(context.Background(), "nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetJob error = %v, want ErrNotFound", err)
		}
		_, err = s.GetMission(context.Background(), "nonexistent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetMission error = %v, want ErrNotFound", err)
		}
	})
}

func TestGetOwnedJobHidesForeignJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, m := makeTestJob("alice")
		if err := s.CreateJob(ctx, j, m); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		if _, err := s.GetOwnedJob(ctx, j.ID, "alice"); err != nil {
			t.Errorf("GetOwnedJob(owner): %v", err)
		}
		if _, err := s.GetOwnedJob(ctx, j.ID, "mallory"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetOwnedJob(other) error = %v, want ErrNotFound", err)
		}
	})
}

func TestCreateJobDuplicateHostRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, m := makeTestJob("alice", "10.0.0.1", "10.0.0.1")

		if err := s.CreateJob(ctx, j, m); err == nil {
			t.Fatal("CreateJob with duplicate host succeeded, want error")
		}
		if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("job persisted after failed create: err = %v", err)
		}
	})
}

func TestListJobsScopedAndPaginated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			j, m := makeTestJob("alice")
			j.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
			if err := s.CreateJob(ctx, j, m); err != nil {
				t.Fatalf("CreateJob[%d]: %v", i, err)
			}
		}
		other, m := makeTestJob("bob")
		if err := s.CreateJob(ctx, other, m); err != nil {
			t.Fatalf("CreateJob(bob): %v", err)
		}

		page, total, err := s.ListJobs(ctx, "alice", 2, 0)
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
		if len(page) != 2 {
			t.Fatalf("len(page) = %d, want 2", len(page))
		}
		if page[0].CreatedAt.Before(page[1].CreatedAt) {
			t.Errorf("jobs not newest first: %v then %v", page[0].CreatedAt, page[1].CreatedAt)
		}
		for _, j := range page {
			if j.OwnerID != "alice" {
				t.Errorf("ListJobs leaked job of %q", j.OwnerID)
			}
			if len(j.Trails) != 2 {
				t.Errorf("job %s has %d trails, want 2", j.ID, len(j.Trails))
			}
		}

		rest, _, err := s.ListJobs(ctx, "alice", 10, 4)
		if err != nil {
			t.Fatalf("ListJobs offset: %v", err)
		}
		if len(rest) != 1 {
			t.Errorf("len(rest) = %d, want 1", len(rest))
		}
	})
}

func TestListJobsEmpty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		jobs, total, err := s.ListJobs(context.Background(), "nobody", 10, 0)
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if total != 0 || len(jobs) != 0 {
			t.Errorf("ListJobs = %d jobs, total %d; want none", len(jobs), total)
		}
	})
}

func TestUpdateTrail(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, m := makeTestJob("alice")
		if err := s.CreateJob(ctx, j, m); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		sum := model.HostSummary{OK: 2, Changed: 1}
		if err := s.UpdateTrail(ctx, j.ID, "10.0.0.2", sum, "load average: 0.01"); err != nil {
			t.Fatalf("UpdateTrail: %v", err)
		}

		got, _ := s.GetJob(ctx, j.ID)
		if got.Trails[0].Populated() {
			t.Error("untouched trail reports populated")
		}
		tr := got.Trails[1]
		if tr.Summary == nil || *tr.Summary != sum {
			t.Errorf("Summary = %+v, want %+v", tr.Summary, sum)
		}
		if tr.RawOutput == nil || *tr.RawOutput != "load average: 0.01" {
			t.Errorf("RawOutput = %v", tr.RawOutput)
		}
		if tr.UpdatedAt == nil {
			t.Error("UpdatedAt not set")
		}

		if err := s.UpdateTrail(ctx, j.ID, "10.9.9.9", sum, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateTrail(unknown host) error = %v, want ErrNotFound", err)
		}
	})
}

func TestTransitionJob(t *testing.T) {
	code := func(v int) *int { return &v }

	tests := []struct {
		name    string
		path    []model.State
		to      model.State
		wantErr bool
	}{
		{"pending to completed", nil, model.StateCompleted, false},
		{"pending to setup failed", nil, model.StateSetupFailed, false},
		{"pending to timed out", nil, model.StateTimedOut, false},
		{"timed out to completed", []model.State{model.StateTimedOut}, model.StateCompleted, false},
		{"timed out twice", []model.State{model.StateTimedOut}, model.StateTimedOut, true},
		{"completed to timed out", []model.State{model.StateCompleted}, model.StateTimedOut, true},
		{"completed twice", []model.State{model.StateCompleted}, model.StateCompleted, true},
	}

	forEachStore(t, func(t *testing.T, s Store) {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ctx := context.Background()
				j, m := makeTestJob("alice")
				if err := s.CreateJob(ctx, j, m); err != nil {
					t.Fatalf("CreateJob: %v", err)
				}
				for _, st := range tt.path {
					if _, err := s.TransitionJob(ctx, j.ID, st, nil); err != nil {
						t.Fatalf("setup transition to %s: %v", st, err)
					}
				}

				from, err := s.TransitionJob(ctx, j.ID, tt.to, code(3))
				if tt.wantErr {
					if !errors.Is(err, ErrInvalidTransition) {
						t.Errorf("error = %v, want ErrInvalidTransition", err)
					}
					return
				}
				if err != nil {
					t.Fatalf("TransitionJob: %v", err)
				}
				wantFrom := model.StatePending
				if len(tt.path) > 0 {
					wantFrom = tt.path[len(tt.path)-1]
				}
				if from != wantFrom {
					t.Errorf("from = %q, want %q", from, wantFrom)
				}

				got, _ := s.GetJob(ctx, j.ID)
				if got.State != tt.to {
					t.Errorf("State = %q, want %q", got.State, tt.to)
				}
				if got.AggregateCode == nil || *got.AggregateCode != 3 {
					t.Errorf("AggregateCode = %v, want 3", got.AggregateCode)
				}
				if got.FinishedAt == nil {
					t.Error("FinishedAt not set")
				}
			})
		}
	})
}

func TestTransitionJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.TransitionJob(context.Background(), "nonexistent", model.StateCompleted, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestTransitionJobConcurrentTimeoutSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, m := makeTestJob("alice")
		if err := s.CreateJob(ctx, j, m); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Go(func() {
				if _, err := s.TransitionJob(ctx, j.ID, model.StateTimedOut, nil); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			})
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("%d concurrent timeouts applied, want exactly 1", wins)
		}
	})
}

func TestFailOrphanedJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		create := func() *model.Job {
			j, m := makeTestJob("alice")
			if err := s.CreateJob(ctx, j, m); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			return j
		}

		pending := create()
		written := model.HostSummary{OK: 1}
		if err := s.UpdateTrail(ctx, pending.ID, "10.0.0.1", written, "ok"); err != nil {
			t.Fatalf("UpdateTrail: %v", err)
		}
		timedOut := create()
		if _, err := s.TransitionJob(ctx, timedOut.ID, model.StateTimedOut, nil); err != nil {
			t.Fatalf("TransitionJob(timed_out): %v", err)
		}
		done := create()
		zero := 0
		if _, err := s.TransitionJob(ctx, done.ID, model.StateCompleted, &zero); err != nil {
			t.Fatalf("TransitionJob(completed): %v", err)
		}

		lost := model.FailureSummary("executor lost")
		ids, err := s.FailOrphanedJobs(ctx, lost)
		if err != nil {
			t.Fatalf("FailOrphanedJobs: %v", err)
		}
		swept := map[string]bool{}
		for _, id := range ids {
			swept[id] = true
		}
		if !swept[pending.ID] || !swept[timedOut.ID] || swept[done.ID] {
			t.Errorf("swept = %v, want pending and timed_out jobs only", ids)
		}

		got, _ := s.GetJob(ctx, pending.ID)
		if got.State != model.StateSetupFailed || got.FinishedAt == nil {
			t.Errorf("pending job = %s finished_at=%v, want setup_failed", got.State, got.FinishedAt)
		}
		if tr := got.Trails[0]; tr.Summary == nil || *tr.Summary != written {
			t.Errorf("written trail = %+v, want it kept", tr.Summary)
		}
		if tr := got.Trails[1]; tr.Summary == nil || *tr.Summary != lost {
			t.Errorf("unwritten trail = %+v, want %+v", tr.Summary, lost)
		}

		got, _ = s.GetJob(ctx, timedOut.ID)
		if got.State != model.StateSetupFailed {
			t.Errorf("timed_out job = %s, want setup_failed", got.State)
		}
		got, _ = s.GetJob(ctx, done.ID)
		if got.State != model.StateCompleted {
			t.Errorf("completed job = %s, want completed", got.State)
		}

		again, err := s.FailOrphanedJobs(ctx, lost)
		if err != nil {
			t.Fatalf("second FailOrphanedJobs: %v", err)
		}
		for _, id := range again {
			if id == pending.ID || id == timedOut.ID {
				t.Errorf("job %s swept twice", id)
			}
		}
	})
}

func TestGetJobStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		done, m := makeTestJob("alice")
		if err := s.CreateJob(ctx, done, m); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		s.UpdateTrail(ctx, done.ID, "10.0.0.1", model.HostSummary{OK: 1}, "")
		s.UpdateTrail(ctx, done.ID, "10.0.0.2", model.HostSummary{Unreachable: 1}, "")
		failed := 1
		if _, err := s.TransitionJob(ctx, done.ID, model.StateCompleted, &failed); err != nil {
			t.Fatalf("TransitionJob: %v", err)
		}

		pending, m2 := makeTestJob("alice")
		if err := s.CreateJob(ctx, pending, m2); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}

		stats, err := s.GetJobStats(ctx, "alice")
		if err != nil {
			t.Fatalf("GetJobStats: %v", err)
		}
		if stats.Total != 2 {
			t.Errorf("Total = %d, want 2", stats.Total)
		}
		if stats.CountByState[model.StateCompleted] != 1 || stats.CountByState[model.StatePending] != 1 {
			t.Errorf("CountByState = %v", stats.CountByState)
		}
		if _, ok := stats.CountByState[model.StateTimedOut]; !ok {
			t.Error("CountByState missing zero entry for timed_out")
		}
		if stats.FailedTrails != 1 {
			t.Errorf("FailedTrails = %d, want 1", stats.FailedTrails)
		}
		if stats.PendingTrails != 2 {
			t.Errorf("PendingTrails = %d, want 2", stats.PendingTrails)
		}
	})
}

func TestScripts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sc := &model.Script{
			ID:        model.NewID(),
			OwnerID:   "alice",
			Name:      "disk-report",
			Body:      "#!/bin/sh\ndf -h\n",
			Language:  "shell",
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		}
		if err := s.CreateScript(ctx, sc); err != nil {
			t.Fatalf("CreateScript: %v", err)
		}

		got, err := s.GetOwnedScript(ctx, sc.ID, "alice")
		if err != nil {
			t.Fatalf("GetOwnedScript: %v", err)
		}
		if got.Body != sc.Body || got.Name != sc.Name || got.Language != "shell" {
			t.Errorf("script = %+v", got)
		}

		if _, err := s.GetOwnedScript(ctx, sc.ID, "bob"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetOwnedScript(other owner) error = %v, want ErrNotFound", err)
		}

		list, err := s.ListScripts(ctx, "alice")
		if err != nil {
			t.Fatalf("ListScripts: %v", err)
		}
		if len(list) != 1 || list[0].ID != sc.ID {
			t.Errorf("ListScripts = %v", list)
		}
		if list, _ := s.ListScripts(ctx, "bob"); len(list) != 0 {
			t.Errorf("ListScripts(bob) = %d scripts, want 0", len(list))
		}
	})
}
