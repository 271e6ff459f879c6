// Package lifecycle defines the states a burst buffer allocation moves through and the events
// which move it between them.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// State is the lifecycle state of an allocation. Values are stable as they appear on the wire.
type State uint16

const (
	Pending State = iota
	Allocated
	StagingIn
	StagedIn
	Running
	StagingOut
	StagedOut
	Teardown
	Failed
)

var stateNames = map[State]string{
	Pending:    "pending",
	Allocated:  "allocated",
	StagingIn:  "staging-in",
	StagedIn:   "staged-in",
	Running:    "running",
	StagingOut: "staging-out",
	StagedOut:  "staged-out",
	Teardown:   "teardown",
	Failed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint16(s))
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return 0, errors.Errorf("unknown burst buffer state %q", name)
}

// States returns every known state in ascending order.
func States() []State {
	return []State{Pending, Allocated, StagingIn, StagedIn, Running, StagingOut, StagedOut, Teardown, Failed}
}

// Event is something that happens to an allocation.
type Event string

const (
	EventAllocate         Event = "allocate"
	EventStageIn          Event = "stage-in"
	EventStageInComplete  Event = "stage-in-complete"
	EventRun              Event = "run"
	EventStageOut         Event = "stage-out"
	EventStageOutComplete Event = "stage-out-complete"
	EventFail             Event = "fail"
	EventTeardown         Event = "teardown"
)

// ErrInvalidTransition is returned when an event is not permitted in the current state.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("burst buffer event %s not permitted in state %s", err.Event, err.From)
}

var transitions = fsm.Events{
	{Name: string(EventAllocate), Src: []string{Pending.String()}, Dst: Allocated.String()},
	{Name: string(EventStageIn), Src: []string{Allocated.String()}, Dst: StagingIn.String()},
	{Name: string(EventStageInComplete), Src: []string{StagingIn.String()}, Dst: StagedIn.String()},
	// Jobs without a stage-in hook go straight from allocated to running.
	{Name: string(EventRun), Src: []string{Allocated.String(), StagedIn.String()}, Dst: Running.String()},
	{Name: string(EventStageOut), Src: []string{Running.String()}, Dst: StagingOut.String()},
	{Name: string(EventStageOutComplete), Src: []string{StagingOut.String()}, Dst: StagedOut.String()},
	{Name: string(EventFail), Src: []string{StagingIn.String(), StagingOut.String()}, Dst: Failed.String()},
	{
		Name: string(EventTeardown),
		Src:  []string{Pending.String(), Allocated.String(), StagedIn.String(), StagedOut.String(), Failed.String()},
		Dst:  Teardown.String(),
	},
}

// Transition returns the state reached by applying event in state from.
// If the event is not permitted an *ErrInvalidTransition is returned along with from.
func Transition(from State, event Event) (State, error) {
	machine := fsm.NewFSM(from.String(), transitions, fsm.Callbacks{})
	if err := machine.Event(context.Background(), string(event)); err != nil {
		return from, &ErrInvalidTransition{From: from, Event: event}
	}
	return ParseState(machine.Current())
}

// IsStaging returns true for states in which an external staging hook is in flight.
func (s State) IsStaging() bool {
	return s == StagingIn || s == StagingOut
}

// IsPreemptable returns true for states in which the buffer is held but not yet in use.
func (s State) IsPreemptable() bool {
	return s == Allocated || s == StagedIn
}
