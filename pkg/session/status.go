package session

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusCreating means the creation workflow is still provisioning the
	// workspace and container. Sessions in this state are off-limits to
	// reconciliation sweeps.
	StatusCreating Status = "creating"
	// StatusRunning means the container is up and turns may be sent.
	StatusRunning Status = "running"
	// StatusStopped means the container exists but is not running.
	StatusStopped Status = "stopped"
	// StatusError means creation failed; StatusMessage says why.
	StatusError Status = "error"
	// StatusArchived is terminal: container and workspace are gone,
	// message history is retained.
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreating, StatusRunning, StatusStopped, StatusError, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusArchived
}

// transitions is the full table of legal status changes. Anything not
// listed is rejected.
var transitions = map[Status][]Status{
	StatusCreating: {StatusRunning, StatusError},
	StatusRunning:  {StatusStopped, StatusArchived},
	StatusStopped:  {StatusRunning, StatusArchived},
	StatusError:    {},
	StatusArchived: {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a PreconditionFailed error when the move from
// one status to another is not in the transition table.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return PreconditionFailedf("cannot transition session from %s to %s", from, to)
	}
	return nil
}
