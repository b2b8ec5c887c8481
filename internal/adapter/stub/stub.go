// Package stub provides a deterministic in-process adapter for development
// servers and tests. It never contacts a host.
package stub

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/walker/internal/adapter"
	"github.com/seantiz/walker/internal/model"
)

// Name is the registry name of the stub adapter.
const Name = "stub"

// Adapter reports success for every host after Delay, except for hosts
// listed in Fail (reported failed) or Omit (left out of the result maps).
type Adapter struct {
	Delay time.Duration
	Fail  map[string]bool
	Omit  map[string]bool
	// Err, when set, is returned after the per-host maps are built.
	Err error
	// Output formats the raw output for a successful host.
	Output func(host string, p adapter.Payload) string
}

var _ adapter.Adapter = (*Adapter)(nil)

// Name returns the registry name.
func (a *Adapter) Name() string { return Name }

// Run waits for Delay (or ctx) and then reports per-host results. The
// aggregate state is the number of failed hosts.
func (a *Adapter) Run(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return adapter.Result{}, ctx.Err()
		}
	}

	res := adapter.Result{
		Summaries: make(map[string]model.HostSummary, len(req.Hosts)),
		Outputs:   make(map[string]string, len(req.Hosts)),
	}
	for _, h := range req.Hosts {
		if a.Omit[h] {
			continue
		}
		if a.Fail[h] {
			res.Summaries[h] = model.HostSummary{Unreachable: 1, Message: "host unreachable"}
			res.Outputs[h] = fmt.Sprintf("ssh: connect to host %s port 22: connection refused", h)
			res.AggregateState++
			continue
		}
		res.Summaries[h] = model.HostSummary{OK: 1, Changed: 1}
		res.Outputs[h] = a.output(h, req.Payload)
	}
	return res, a.Err
}

func (a *Adapter) output(host string, p adapter.Payload) string {
	if a.Output != nil {
		return a.Output(host, p)
	}
	return fmt.Sprintf("[%s] %s: ok", host, p.Kind)
}
