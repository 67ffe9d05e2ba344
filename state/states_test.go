package state

import "testing"

func TestRunnerTransitions(t *testing.T) {
	cases := []struct {
		from    RunnerStatus
		to      RunnerStatus
		allowed bool
	}{
		{RunnerStatusOffline, RunnerStatusIdle, true},
		{RunnerStatusOffline, RunnerStatusBusy, false},
		{RunnerStatusIdle, RunnerStatusBusy, true},
		{RunnerStatusIdle, RunnerStatusOffline, true},
		{RunnerStatusBusy, RunnerStatusIdle, true},
		{RunnerStatusBusy, RunnerStatusOffline, true},
		{RunnerStatusOffline, RunnerStatusError, true},
		{RunnerStatusIdle, RunnerStatusError, true},
		{RunnerStatusBusy, RunnerStatusError, true},
		{RunnerStatusError, RunnerStatusIdle, true},
		{RunnerStatusError, RunnerStatusOffline, true},
		{RunnerStatusError, RunnerStatusBusy, false},
		{RunnerStatusIdle, RunnerStatusIdle, true},
	}

	for _, tc := range cases {
		err := validateRunnerTransition("runner-1", tc.from, tc.to)
		if tc.allowed && err != nil {
			t.Errorf("expected %s -> %s allowed, got %v", tc.from, tc.to, err)
		}
		if !tc.allowed && !IsTransitionError(err) {
			t.Errorf("expected %s -> %s rejected, got %v", tc.from, tc.to, err)
		}
	}
}

func TestRunnerTransitionUnknownState(t *testing.T) {
	err := validateRunnerTransition("runner-1", RunnerStatus("SLEEPING"), RunnerStatusIdle)
	if !IsUnknownStateError(err) {
		t.Fatalf("expected unknown state error, got %v", err)
	}

	err = validateRunnerTransition("runner-1", RunnerStatusIdle, RunnerStatus("SLEEPING"))
	if !IsUnknownStateError(err) {
		t.Fatalf("expected unknown state error for target, got %v", err)
	}
}
