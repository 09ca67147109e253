package job

// Status represents the lifecycle of a Task. Completion is deletion, not a stored
// value, so there is no terminal status beyond Error.
type Status string

const (
	// StatusWaitingForToken marks a task that still needs a join credential.
	StatusWaitingForToken Status = "WAITING_FOR_TOKEN"
	// StatusGotToken marks a task holding a credential, awaiting capture launch.
	StatusGotToken Status = "GOT_TOKEN"
	// StatusDownloading marks a task with a running capture process.
	StatusDownloading Status = "DOWNLOADING"
	// StatusError marks a task parked after an upstream denial, kept for operator
	// inspection rather than deleted.
	StatusError Status = "ERROR"
)

// legalNext encodes the only forward moves a task may take. Anything else is
// rejected with ErrIllegalTransition instead of silently overwriting.
var legalNext = map[Status][]Status{
	StatusWaitingForToken: {StatusGotToken, StatusError},
	StatusGotToken:        {StatusDownloading, StatusError},
	StatusDownloading:     {},
	StatusError:           {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := legalNext[s]
	return ok
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, n := range legalNext[s] {
		if n == next {
			return true
		}
	}
	return false
}
