// Package lifecycle owns the LinkedIn post state machine: an explicit
// transition table over an enum, so an invalid transition is a checked
// condition instead of an inferred bug.
package lifecycle

import "fmt"

// State is the lifecycle state of a post.
type State string

const (
	// StateDraft is the initial state of a generated post.
	StateDraft State = "draft"
	// StateCustomized means the user has edited the content.
	StateCustomized State = "customized"
	// StatePublishRequested means the user approved publishing; the post
	// is waiting for a worker to claim it.
	StatePublishRequested State = "publish_requested"
	// StatePublishing means exactly one worker holds the publish claim.
	StatePublishing State = "publishing"
	// StatePublished is terminal success.
	StatePublished State = "published"
	// StateFailed is terminal failure: a permanent error, or the attempt
	// cap was exhausted.
	StateFailed State = "failed"
)

// transitions is the exhaustive table of legal state changes.
// Publishing → PublishRequested is the retryable-failure return path.
var transitions = map[State][]State{
	StateDraft:            {StateCustomized, StatePublishRequested},
	StateCustomized:       {StateCustomized, StatePublishRequested},
	StatePublishRequested: {StatePublishing},
	StatePublishing:       {StatePublished, StateFailed, StatePublishRequested},
	StatePublished:        {},
	StateFailed:           {},
}

// Terminal reports whether no transition may leave the state.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0 && (s == StatePublished || s == StateFailed)
}

// CanTransition reports whether the move from s to target is legal.
func (s State) CanTransition(target State) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// guard narrows a candidate source set to the states the table allows to
// reach target, as strings for the store's compare-and-set. An edge
// absent from the table can never fire, whatever a caller passes.
func guard(target State, from ...State) []string {
	out := make([]string, 0, len(from))
	for _, s := range from {
		if s.CanTransition(target) {
			out = append(out, string(s))
		}
	}
	return out
}

// InvalidTransitionError reports an attempted illegal state change. It is
// always surfaced to the caller, never swallowed.
type InvalidTransitionError struct {
	PostID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for post %s: %s -> %s", e.PostID, e.From, e.To)
}
