package model

import "time"

// State is the lifecycle state of a job.
type State string

// Job states. Everything except StatePending is terminal from a caller's
// point of view, although a timed out job may still be completed later by
// its executor.
const (
	StatePending     State = "pending"
	StateSetupFailed State = "setup_failed"
	StateTimedOut    State = "timed_out"
	StateCompleted   State = "completed"
)

// States lists every job state in display order.
var States = []State{StatePending, StateSetupFailed, StateTimedOut, StateCompleted}

// Terminal reports whether s ends a caller's wait.
func (s State) Terminal() bool {
	return s == StateSetupFailed || s == StateTimedOut || s == StateCompleted
}

// validTransitions maps each state to the states it may move to.
// timed_out is only a caller-side verdict: the executor's result still lands.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateSetupFailed: true,
		StateTimedOut:    true,
		StateCompleted:   true,
	},
	StateTimedOut: {
		StateSetupFailed: true,
		StateCompleted:   true,
	},
}

// ValidTransition reports whether a job may move from one state to another.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Job is one submitted unit of work fanned out to a fixed set of hosts.
type Job struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	OwnerID       string     `json:"owner_id"`
	State         State      `json:"state"`
	AggregateCode *int       `json:"aggregate_code,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Trails        []Trail    `json:"trails"`
}

// Hosts returns the job's target addresses in trail order.
func (j *Job) Hosts() []string {
	hosts := make([]string, len(j.Trails))
	for i, t := range j.Trails {
		hosts[i] = t.Host
	}
	return hosts
}

// NewJob builds a pending job with one empty trail per host.
func NewJob(name, ownerID string, hosts []string, now time.Time) *Job {
	j := &Job{
		ID:        NewID(),
		Name:      name,
		OwnerID:   ownerID,
		State:     StatePending,
		CreatedAt: now,
		Trails:    make([]Trail, len(hosts)),
	}
	for i, h := range hosts {
		j.Trails[i] = Trail{JobID: j.ID, Host: h}
	}
	return j
}

// Trail is the per-host record of a job. Summary and RawOutput stay nil until
// the executor writes them.
type Trail struct {
	JobID     string       `json:"job_id"`
	Host      string       `json:"host"`
	Summary   *HostSummary `json:"summary"`
	RawOutput *string      `json:"raw_output"`
	UpdatedAt *time.Time   `json:"updated_at,omitempty"`
}

// Populated reports whether the executor has written this trail.
func (t Trail) Populated() bool {
	return t.Summary != nil
}

// HostSummary is the per-host execution tally reported by an adapter.
type HostSummary struct {
	OK          int    `json:"ok"`
	Changed     int    `json:"changed"`
	Failures    int    `json:"failures"`
	Unreachable int    `json:"unreachable"`
	Skipped     int    `json:"skipped"`
	Message     string `json:"message,omitempty"`
}

// Failed reports whether the host did not run cleanly.
func (s HostSummary) Failed() bool {
	return s.Failures > 0 || s.Unreachable > 0
}

// FailureSummary builds a summary for a host that never produced a result.
func FailureSummary(msg string) HostSummary {
	return HostSummary{Failures: 1, Message: msg}
}
