package capture

// hookTransitions lists the edges instrumentation hooks may take. COMPLETED to
// ENDED is absent: only the completion watchdog drives it.
var hookTransitions = map[DownloadState][]DownloadState{
	StateUninitialized: {StateDownloading},
	StateDownloading:   {StateDownloading, StateCompleted},
	StateCompleted:     {StateDownloading},
}

// CanTransition reports whether an instrumentation hook may move the session
// from one DownloadState to another.
func CanTransition(from, to DownloadState) bool {
	for _, next := range hookTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
