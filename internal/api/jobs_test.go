package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/walker/internal/adapter/stub"
	"github.com/seantiz/walker/internal/model"
	"github.com/seantiz/walker/internal/service"
)

type listJobsBody struct {
	Jobs  []*model.Job `json:"jobs"`
	Total int          `json:"total"`
}

type jobDetailBody struct {
	model.Job
	Mission *model.Mission `json:"mission"`
}

// waitForState polls GET /v1/jobs/{id} until the job reaches want.
func waitForState(t *testing.T, env *testEnv, id, user string, want model.State) jobDetailBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := env.do(t, http.MethodGet, "/v1/jobs/"+id, user, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET job: status = %d", resp.StatusCode)
		}
		j := decodeBody[jobDetailBody](t, resp)
		if j.State == want {
			return j
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %q", id, want)
	return jobDetailBody{}
}

func TestSubmitAndQueryCompletedJob(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{Delay: 10 * time.Millisecond})

	resp := env.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
		"targets":     []string{"10.0.0.1", "10.0.0.2"},
		"command":     "uptime",
		"remote_user": "ops",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody[submitJobResponse](t, resp)
	if got.Message != service.MsgCompleted || got.JobID == "" {
		t.Errorf("response = %q / %q", got.Message, got.JobID)
	}

	detail := waitForState(t, env, got.JobID, "alice", model.StateCompleted)
	if detail.AggregateCode == nil || *detail.AggregateCode != 0 {
		t.Errorf("aggregate_code = %v, want 0", detail.AggregateCode)
	}
	if len(detail.Trails) != 2 {
		t.Fatalf("len(trails) = %d, want 2", len(detail.Trails))
	}
	for _, tr := range detail.Trails {
		if tr.Summary == nil {
			t.Errorf("trail %s summary is null", tr.Host)
		}
	}
	if detail.Mission == nil || detail.Mission.Kind != model.MissionInline || detail.Mission.Command != "uptime" {
		t.Errorf("mission = %+v", detail.Mission)
	}
}

func TestSubmitMalformedTargetCreatesNothing(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{})

	resp := env.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
		"targets":     []string{"999.999.1.1"},
		"command":     "uptime",
		"remote_user": "ops",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if !strings.Contains(body["error"], "999.999.1.1") {
		t.Errorf("error = %q, want the bad target named", body["error"])
	}

	list := decodeBody[listJobsBody](t, env.do(t, http.MethodGet, "/v1/jobs", "alice", nil))
	if list.Total != 0 || len(list.Jobs) != 0 {
		t.Errorf("jobs after rejected submit = %d", list.Total)
	}
}

func TestSubmitForeignScriptCreatesNothing(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{})

	created := env.do(t, http.MethodPost, "/v1/scripts", "bob", map[string]any{
		"name": "cleanup", "body": "rm -rf /tmp/cache",
	})
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("create script: status = %d", created.StatusCode)
	}
	sc := decodeBody[model.Script](t, created)

	resp := env.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
		"targets":     []string{"10.0.0.1"},
		"script_id":   sc.ID,
		"remote_user": "ops",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	list := decodeBody[listJobsBody](t, env.do(t, http.MethodGet, "/v1/jobs", "alice", nil))
	if list.Total != 0 {
		t.Errorf("jobs after rejected submit = %d", list.Total)
	}
}

func TestSubmitWaitTimeoutThenLateCompletion(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{Delay: 300 * time.Millisecond})

	resp := env.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
		"targets":         []string{"10.0.0.1", "10.0.0.2"},
		"command":         "apt-get upgrade -y",
		"remote_user":     "root",
		"wait_timeout_ms": 50,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody[submitJobResponse](t, resp)
	if got.Job.State != model.StateTimedOut || got.Message != service.MsgTimedOut {
		t.Fatalf("response = %s / %q, want timed out", got.Job.State, got.Message)
	}

	// The executor's result replaces the timeout once it lands.
	detail := waitForState(t, env, got.JobID, "alice", model.StateCompleted)
	for _, tr := range detail.Trails {
		if tr.Summary == nil || tr.Summary.Failed() {
			t.Errorf("trail %s summary = %+v", tr.Host, tr.Summary)
		}
	}
}

func TestSubmitAsync(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{Delay: 100 * time.Millisecond})

	resp := env.do(t, http.MethodPost, "/v1/jobs/async", "alice", map[string]any{
		"targets":     []string{"10.0.0.1"},
		"command":     "uptime",
		"remote_user": "ops",
		"name":        "nightly-check",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	got := decodeBody[submitJobResponse](t, resp)
	if got.Job.State != model.StatePending || got.Job.Name != "nightly-check" {
		t.Errorf("job = %s %q, want pending nightly-check", got.Job.State, got.Job.Name)
	}

	waitForState(t, env, got.JobID, "alice", model.StateCompleted)
}

func TestSubmitBadRequests(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{})

	tests := []struct {
		name string
		body any
	}{
		{"no targets", map[string]any{"command": "uptime", "remote_user": "ops"}},
		{"no command", map[string]any{"targets": []string{"10.0.0.1"}, "remote_user": "ops"}},
		{"bad remote user", map[string]any{"targets": []string{"10.0.0.1"}, "command": "id", "remote_user": "Robert'); DROP"}},
		{"zero wait", map[string]any{"targets": []string{"10.0.0.1"}, "command": "id", "remote_user": "ops", "wait_timeout_ms": 0}},
		{"not an object", "uptime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/jobs", "alice", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetJobScopedToOwner(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{})

	got := decodeBody[submitJobResponse](t, env.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
		"targets": []string{"10.0.0.1"}, "command": "id", "remote_user": "ops",
	}))

	if resp := env.do(t, http.MethodGet, "/v1/jobs/"+got.JobID, "bob", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign job: status = %d, want 404", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/v1/jobs/"+model.NewID(), "alice", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", resp.StatusCode)
	}

	bobs := decodeBody[listJobsBody](t, env.do(t, http.MethodGet, "/v1/jobs", "bob", nil))
	if bobs.Total != 0 {
		t.Errorf("bob lists %d jobs, want 0", bobs.Total)
	}
}

func TestListJobsPagination(t *testing.T) {
	env := newTestEnv(t, &stub.Adapter{})

	for range 3 {
		resp := env.do(t, http.MethodPost, "/v1/jobs", "alice", map[string]any{
			"targets": []string{"10.0.0.1"}, "command": "id", "remote_user": "ops",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("submit: status = %d", resp.StatusCode)
		}
	}

	page := decodeBody[listJobsBody](t, env.do(t, http.MethodGet, "/v1/jobs?limit=2&offset=0", "alice", nil))
	if page.Total != 3 || len(page.Jobs) != 2 {
		t.Errorf("page = total %d len %d, want 3/2", page.Total, len(page.Jobs))
	}
}
