// Package identity derives RunIds: either a bare UUID base shared by all
// instances of a runnable, or that base with a per-instance suffix
// appended ("<uuid>[-<instanceId>]").
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RunId is an opaque run identifier: either a bare base (the AM's own
// appRunId) or a base plus a per-runnable instance suffix.
type RunId string

// NewBase mints a fresh base RunId.
func NewBase() RunId {
	return RunId(uuid.NewString())
}

// WithInstance derives the instance RunId "<base>-<instanceId>".
func (r RunId) WithInstance(instanceID int) RunId {
	return RunId(fmt.Sprintf("%s-%d", r, instanceID))
}

// Base strips a trailing "-<instanceId>" suffix, returning the shared
// base of all currently-live instances of a runnable. A bare base (no
// instance suffix, e.g. the UUID's own internal hyphens) is returned
// unchanged.
func (r RunId) Base() RunId {
	if _, err := uuid.Parse(string(r)); err == nil {
		return r
	}
	idx := strings.LastIndex(string(r), "-")
	if idx < 0 || !isAllDigits(string(r)[idx+1:]) {
		return r
	}
	return r[:idx]
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (r RunId) String() string {
	return string(r)
}
