package router

// State is one node of the per-capture routing state machine. Transitions
// are centralized in next() so the retry bounds are structural: no code
// path can attempt the primary lane more than twice or the fallback lane
// more than once.
type State int

const (
	StateIntake State = iota
	StatePrimaryAttempt
	StatePrimaryRetry
	StateFallbackAttempt
	StateExtracted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIntake:
		return "INTAKE"
	case StatePrimaryAttempt:
		return "PRIMARY_ATTEMPT"
	case StatePrimaryRetry:
		return "PRIMARY_RETRY"
	case StateFallbackAttempt:
		return "FALLBACK_ATTEMPT"
	case StateExtracted:
		return "EXTRACTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether routing is finished in this state.
func (s State) Terminal() bool {
	return s == StateExtracted || s == StateFailed
}

// maxPrimaryAttempts bounds the primary lane: the first attempt plus
// exactly one retry.
const maxPrimaryAttempts = 2

// next computes the successor state given the outcome of the attempt that
// ran in state s. primaryAttempts is the number of primary-lane attempts
// completed so far.
func next(s State, success bool, primaryAttempts int) State {
	switch s {
	case StateIntake:
		return StatePrimaryAttempt
	case StatePrimaryAttempt:
		if success {
			return StateExtracted
		}
		if primaryAttempts < maxPrimaryAttempts {
			return StatePrimaryRetry
		}
		return StateFallbackAttempt
	case StatePrimaryRetry:
		return StatePrimaryAttempt
	case StateFallbackAttempt:
		if success {
			return StateExtracted
		}
		return StateFailed
	default:
		return s
	}
}
