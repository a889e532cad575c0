package tracking

import "errors"

// State is the tracker lifecycle state.
type State int

const (
	// StateIdle means no marker or scene has been registered.
	StateIdle State = iota
	// StateBootstrapping means the tracker is establishing correspondences.
	StateBootstrapping
	// StateTracking means incremental frame-to-frame tracking is running.
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapping:
		return "bootstrapping"
	case StateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Steady-state recoverable conditions. None of these are fatal: the tracker
// keeps running and retries recovery every frame.
var (
	// ErrInsufficientFeatures reports too few keypoints or correspondences
	// for the requested estimation.
	ErrInsufficientFeatures = errors.New("tracking: insufficient features")
	// ErrDegenerateGeometry reports two-view correspondences without
	// parallax, or an essential decomposition with no physically valid
	// candidate.
	ErrDegenerateGeometry = errors.New("tracking: degenerate geometry")
	// ErrTrackingLost reports the tracked feature count dropping below the
	// continuation threshold.
	ErrTrackingLost = errors.New("tracking: tracking lost")
	// ErrEmptyImage reports a malformed or empty input image. The failed
	// call leaves prior state untouched.
	ErrEmptyImage = errors.New("tracking: empty input image")
)
