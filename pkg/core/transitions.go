package core

// allowedTransitions is the single source of truth for status changes.
// Every writer (runner, recovery, cancellation paths) and every validation
// point consults this table; an edge missing here is an illegal transition.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusCancelled},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusCancelled, StatusRecovering},
	StatusRecovering: {StatusRunning, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine permits from -> to.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ForceCancellable reports whether a job in this status may be force-cancelled.
func ForceCancellable(s Status) bool {
	return CanTransition(s, StatusCancelled)
}

// Cancellable reports whether a graceful cancel is accepted in this status.
// Recovering jobs are excluded: graceful cancel needs a live runner to
// observe the flag, and a recovering job by definition has none yet.
func Cancellable(s Status) bool {
	return s == StatusPending || s == StatusRunning
}
