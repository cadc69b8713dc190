package models

// SessionState is the lifecycle state of a session at a point in time.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticated   SessionState = "authenticated"
	SessionNeedsRefresh    SessionState = "needs_refresh"
	SessionExpired         SessionState = "expired"
)

// Verdict is what the route guard consumes. Unknown covers resolutions that
// could not complete (backend unreachable, caller cancelled) and is treated
// as not authenticated.
type Verdict string

const (
	VerdictAuthenticated   Verdict = "authenticated"
	VerdictUnauthenticated Verdict = "unauthenticated"
	VerdictUnknown         Verdict = "unknown"
)

// Resolution is the outcome of resolving a session.
type Resolution struct {
	State SessionState
	Pair  *TokenPair
	// Refreshed is true when this resolution obtained a new pair.
	Refreshed bool
	// Expired marks an unauthenticated resolution caused by a lapsed refresh
	// token; the stored pair has been deleted.
	Expired bool
	// Err carries the reason when the session could not be resolved; the
	// stored pair is left untouched in that case.
	Err error
}

// Verdict collapses the resolution into the three-valued guard input.
func (r Resolution) Verdict() Verdict {
	switch {
	case r.Err != nil:
		return VerdictUnknown
	case r.State == SessionAuthenticated && r.Pair != nil:
		return VerdictAuthenticated
	case r.State == SessionUnauthenticated:
		return VerdictUnauthenticated
	default:
		return VerdictUnknown
	}
}
