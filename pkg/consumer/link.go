package consumer

import (
	"github.com/looplab/fsm"
)

// Link states.
const (
	StateSearching = "searching"
	StateAttached  = "attached"
	StateStale     = "stale"
	StateLost      = "lost"
)

// States lists every link state.
var States = []string{StateSearching, StateAttached, StateStale, StateLost}

const (
	eventAttach = "attach"
	eventFrame  = "frame"
	eventStall  = "stall"
	eventLose   = "lose"
	eventDetach = "detach"
)

func newLink(enter func(e *fsm.Event)) *fsm.FSM {
	return fsm.NewFSM(
		StateSearching,
		fsm.Events{
			{Name: eventAttach, Src: []string{StateSearching}, Dst: StateAttached},
			{Name: eventFrame, Src: []string{StateAttached, StateStale, StateLost}, Dst: StateAttached},
			{Name: eventStall, Src: []string{StateAttached}, Dst: StateStale},
			{Name: eventLose, Src: []string{StateAttached, StateStale}, Dst: StateLost},
			{Name: eventDetach, Src: []string{StateAttached, StateStale, StateLost}, Dst: StateSearching},
		},
		fsm.Callbacks{
			"enter_state": enter,
		},
	)
}

// fire sends event and ignores events that do not apply in the current state.
func fire(f *fsm.FSM, event string) error {
	err := f.Event(event)
	switch err.(type) {
	case nil, fsm.NoTransitionError, fsm.InvalidEventError:
		return nil
	}
	return err
}

// Live reports whether masks from a link in state can be trusted.
func Live(state string) bool {
	return state == StateAttached
}
