package state

import (
	"errors"
	"fmt"
)

type RunnerStatus string

const (
	RunnerStatusOffline RunnerStatus = "OFFLINE"
	RunnerStatusIdle    RunnerStatus = "IDLE"
	RunnerStatusBusy    RunnerStatus = "BUSY"
	RunnerStatusError   RunnerStatus = "ERROR"
)

// runnerTransitions documents the runner lifecycle. A runner is created
// OFFLINE, moves to IDLE on registration, cycles IDLE<->BUSY under job
// assignment, and may be forced into ERROR from any state. Deactivation
// returns it to OFFLINE.
var runnerTransitions = map[RunnerStatus][]RunnerStatus{
	RunnerStatusOffline: {RunnerStatusOffline, RunnerStatusIdle, RunnerStatusError},
	RunnerStatusIdle:    {RunnerStatusIdle, RunnerStatusBusy, RunnerStatusOffline, RunnerStatusError},
	RunnerStatusBusy:    {RunnerStatusBusy, RunnerStatusIdle, RunnerStatusOffline, RunnerStatusError},
	RunnerStatusError:   {RunnerStatusError, RunnerStatusIdle, RunnerStatusOffline},
}

// TransitionError signals an illegal status transition detected in the
// persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a status value that is not part of the
// documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

func validateRunnerTransition(id string, from, to RunnerStatus) error {
	allowed, ok := runnerTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "runner", State: string(from)}
	}
	if !containsRunnerStatus(to) {
		return UnknownStateError{Entity: "runner", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "runner", ID: id, From: string(from), To: string(to)}
}

func containsRunnerStatus(s RunnerStatus) bool {
	_, ok := runnerTransitions[s]
	return ok
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
