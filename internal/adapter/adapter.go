package adapter

import (
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/seantiz/walker/internal/model"
)

// Adapter performs the distributed execution of one job. Fan-out across
// hosts is the adapter's job; the engine calls Run exactly once per job.
type Adapter interface {
	// Name identifies the adapter in the registry and in logs.
	Name() string

	// Run executes req.Payload on every host in req.Hosts. Both maps in the
	// result must hold an entry per requested host, even for hosts that
	// failed. A non-nil error may still come with partial per-host results.
	Run(ctx context.Context, req Request) (Result, error)
}

// PayloadKind tags what Payload.Text holds.
type PayloadKind string

const (
	PayloadInline PayloadKind = "inline"
	PayloadScript PayloadKind = "script"
)

// Payload is the command text handed to the adapter.
type Payload struct {
	Kind PayloadKind `json:"kind"`
	Text string      `json:"text"`
}

// RunContext tags a run for audit on the remote side.
type RunContext struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`
}

// Credential is a resolved credential reference. Signer is only available to
// in-process adapters; out-of-process adapters get Ref and Fingerprint.
type Credential struct {
	Ref         string     `json:"ref"`
	Fingerprint string     `json:"fingerprint"`
	Signer      ssh.Signer `json:"-"`
}

// Request is the full input of one adapter run.
type Request struct {
	Hosts      []string   `json:"hosts"`
	RemoteUser string     `json:"remote_user"`
	Credential Credential `json:"credential"`
	Context    RunContext `json:"context"`
	Payload    Payload    `json:"payload"`
}

// Result is what an adapter reports back. AggregateState is adapter-defined
// and opaque to the engine, which only persists it.
type Result struct {
	AggregateState int                          `json:"aggregate_state"`
	Summaries      map[string]model.HostSummary `json:"per_host_summary"`
	Outputs        map[string]string            `json:"per_host_result"`
}

// Empty reports whether the result carries no per-host data at all.
func (r Result) Empty() bool {
	return len(r.Summaries) == 0 && len(r.Outputs) == 0
}

// NewRequest builds the adapter input for a job and its mission.
func NewRequest(j *model.Job, m *model.Mission, cred Credential) Request {
	kind := PayloadInline
	if m.Kind == model.MissionScript {
		kind = PayloadScript
	}
	return Request{
		Hosts:      j.Hosts(),
		RemoteUser: m.RemoteUser,
		Credential: cred,
		Context:    RunContext{JobID: j.ID, OwnerID: j.OwnerID},
		Payload:    Payload{Kind: kind, Text: m.Payload()},
	}
}
