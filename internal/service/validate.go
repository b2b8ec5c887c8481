package service

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	ErrNoTargets         = errors.New("at least one target is required")
	ErrInvalidTarget     = errors.New("invalid target address")
	ErrInvalidRemoteUser = errors.New("invalid remote user")
	ErrCommandRequired   = errors.New("exactly one of command or script_id is required")
	ErrScriptInvalid     = errors.New("script name and body are required")

	ErrScriptNotFound = errors.New("script not found")
	ErrJobNotFound    = errors.New("job not found")
)

// ValidationError is returned for requests rejected before anything is
// persisted. It wraps one of the Err* sentinels above.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// remoteUserPattern accepts portable POSIX user names.
var remoteUserPattern = regexp.MustCompile(`^[a-z_][a-z0-9_.-]{0,31}$`)

// normalizeTargets parses every target as an IP address and drops duplicates
// while keeping first-occurrence order. One bad address rejects the list.
func normalizeTargets(targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, invalid("targets", ErrNoTargets)
	}

	seen := make(map[netip.Addr]bool, len(targets))
	hosts := make([]string, 0, len(targets))
	for _, raw := range targets {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return nil, invalid("targets", fmt.Errorf("%w: %q", ErrInvalidTarget, raw))
		}
		addr = addr.Unmap()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		hosts = append(hosts, addr.String())
	}
	return hosts, nil
}

func validateRemoteUser(u string) error {
	if !remoteUserPattern.MatchString(u) {
		return invalid("remote_user", fmt.Errorf("%w: %q", ErrInvalidRemoteUser, u))
	}
	return nil
}
