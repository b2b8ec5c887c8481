// Package plugin runs an external executable as the execution adapter. The
// executable receives the adapter request as JSON on stdin and must print a
// JSON result on stdout. This keeps remote transports (Ansible, Salt, custom
// agents) out of the walker process.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/seantiz/walker/internal/adapter"
)

// Name is the registry name of the plugin adapter.
const Name = "plugin"

const (
	// MaxResultSize caps how much stdout is read from the plugin (16 MiB).
	MaxResultSize = 16 << 20

	// DefaultTimeout bounds a plugin run when no timeout is configured.
	DefaultTimeout = 10 * time.Minute

	stderrTail = 2048

	// waitDelay bounds how long Wait keeps reading output after the plugin
	// was killed, in case a descendant outside its process group holds the
	// pipes open.
	waitDelay = 2 * time.Second

	envProtocol = "WALKER_PLUGIN_PROTOCOL=1"
)

// Adapter executes Path with Args for every run.
type Adapter struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New returns a plugin adapter for the executable at path.
func New(path string, timeout time.Duration, logger *slog.Logger) *Adapter {
	return &Adapter{Path: path, Timeout: timeout, Logger: logger}
}

// Name returns the registry name.
func (a *Adapter) Name() string { return Name }

// Run starts the plugin, feeds it req and decodes its result. A plugin that
// exits non-zero but still printed a valid result yields that result along
// with an error, so the engine can keep the partial per-host data.
func (a *Adapter) Run(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if a.Path == "" {
		return adapter.Result{}, errors.New("plugin path is not configured")
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return adapter.Result{}, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Path, a.Args...)
	cmd.Env = append(os.Environ(), envProtocol)
	cmd.Env = append(cmd.Env, a.Env...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	stdout := &cappedBuffer{limit: MaxResultSize}
	stderr := &cappedBuffer{limit: stderrTail * 4}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return adapter.Result{}, fmt.Errorf("start plugin: %w", err)
	}
	waitErr := cmd.Wait()

	if a.Logger != nil {
		a.Logger.Debug("plugin finished",
			"job_id", req.Context.JobID,
			"path", a.Path,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", waitErr,
		)
	}

	if waitErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return adapter.Result{}, fmt.Errorf("plugin timed out after %s", timeout)
	}
	if stdout.overflow {
		return adapter.Result{}, fmt.Errorf("plugin output exceeds %d bytes", MaxResultSize)
	}

	var res adapter.Result
	if decodeErr := json.Unmarshal(stdout.Bytes(), &res); decodeErr != nil {
		if waitErr != nil {
			return adapter.Result{}, a.exitError(waitErr, stderr)
		}
		return adapter.Result{}, fmt.Errorf("decode plugin result: %w", decodeErr)
	}

	if waitErr != nil {
		return res, a.exitError(waitErr, stderr)
	}
	return res, nil
}

func (a *Adapter) exitError(waitErr error, stderr *cappedBuffer) error {
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > stderrTail {
		msg = msg[len(msg)-stderrTail:]
	}
	if msg == "" {
		return fmt.Errorf("plugin exited: %w", waitErr)
	}
	return fmt.Errorf("plugin exited: %w: %s", waitErr, msg)
}

// cappedBuffer keeps at most limit bytes and discards the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); len(p) > room {
		b.overflow = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
