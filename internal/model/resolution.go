package model

import "fmt"

// ResolutionKind enumerates the strategies a user (or the timeout fallback)
// can apply to a task stuck in pending_conflict_resolution.
type ResolutionKind string

const (
	// ResolveBump moves lower-priority conflicting tasks out of the way.
	ResolveBump ResolutionKind = "bump"
	// ResolveDefer finds an alternative slot for the new task instead.
	ResolveDefer ResolutionKind = "defer"
	// ResolveForce schedules ignoring conflicts entirely.
	ResolveForce ResolutionKind = "force"
	// ResolveSkip drops the task without scheduling it.
	ResolveSkip ResolutionKind = "skip"
	// ResolveTimeout is the automatic fallback: earliest available slot.
	ResolveTimeout ResolutionKind = "timeout"
)

// ParseResolutionKind validates a raw action string at the boundary where a
// human decision enters the system. Timeout is internal and not accepted.
func ParseResolutionKind(s string) (ResolutionKind, error) {
	switch ResolutionKind(s) {
	case ResolveBump, ResolveDefer, ResolveForce, ResolveSkip:
		return ResolutionKind(s), nil
	default:
		return "", fmt.Errorf("unknown resolution action %q", s)
	}
}
