package crawler

import "fmt"

// CanTransition reports whether a job may move from one status to another.
// Re-entering running from a terminal state is allowed because a new crawl for
// the same domain or a resume restarts the job in place.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case JobStatusPending:
		return from == ""
	case JobStatusPaused:
		return from == JobStatusRunning
	case JobStatusRunning:
		return from == JobStatusPending || from == JobStatusPaused || from.IsTerminal()
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return !from.IsTerminal() || to == JobStatusFailed
	default:
		return false
	}
}

// ValidateTransition wraps CanTransition into an error.
func ValidateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
