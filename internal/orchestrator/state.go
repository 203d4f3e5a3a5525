package orchestrator

import "fmt"

type State int32

const (
	StateIdle State = iota
	StateContextBuilt
	StateGenerating
	StateToolPending
	StateFinalizing
	StateClosed
	StateAborted
)

var stateNames = [...]string{"idle", "context_built", "generating", "tool_pending", "finalizing", "closed", "aborted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

var transitions = map[State][]State{
	StateIdle:         {StateContextBuilt},
	StateContextBuilt: {StateGenerating},
	StateGenerating:   {StateToolPending, StateFinalizing},
	StateToolPending:  {StateGenerating},
	StateFinalizing:   {StateClosed},
}

func canTransition(from, to State) bool {
	if to == StateAborted {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
