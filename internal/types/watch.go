package types

import "fmt"

// PuppetState is the lifecycle phase of a puppet. States only move forward:
// init -> training -> drifting -> closed.
type PuppetState string

const (
	StateInit     PuppetState = "init"
	StateTraining PuppetState = "training"
	StateDrifting PuppetState = "drifting"
	StateClosed   PuppetState = "closed"
)

var stateOrder = map[PuppetState]int{
	StateInit:     0,
	StateTraining: 1,
	StateDrifting: 2,
	StateClosed:   3,
}

// Valid reports whether s is a known state.
func (s PuppetState) Valid() bool {
	_, ok := stateOrder[s]
	return ok
}

// Precedes reports whether s comes strictly before o in the lifecycle.
func (s PuppetState) Precedes(o PuppetState) bool {
	return stateOrder[s] < stateOrder[o]
}

// Next returns the state that follows s, and false for closed.
func (s PuppetState) Next() (PuppetState, bool) {
	switch s {
	case StateInit:
		return StateTraining, true
	case StateTraining:
		return StateDrifting, true
	case StateDrifting:
		return StateClosed, true
	}
	return s, false
}

// Watch records one successful playback. It is created once and never mutated.
type Watch struct {
	State           PuppetState `json:"state"`
	PuppetID        string      `json:"puppet_id"`
	PuppetSlant     float64     `json:"puppet_slant"`
	Depth           int         `json:"depth"`
	Video           Video       `json:"video"`
	Recommendations []Video     `json:"recommendations"`
}

func (w Watch) String() string {
	return fmt.Sprintf("%s. Depth: %d, puppet state: %s", w.Video, w.Depth, w.State)
}

// WatchResult is what a watch session reports after playing a video.
// Recommendations carry ids only; their slants are resolved by the caller.
type WatchResult struct {
	Video           Video
	Recommendations []Video
}
