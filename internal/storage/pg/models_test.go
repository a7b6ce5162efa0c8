package pg

import (
	"reflect"
	"testing"
)

func TestFetchStatusTerminal(t *testing.T) {
	terminal := map[FetchStatus]bool{
		FetchPending:            false,
		FetchInQueue:            false,
		FetchWaitingOnViewerist: false,
		FetchComplete:           true,
		FetchErrored:            true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestFetchStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to FetchStatus
		allowed  bool
	}{
		{FetchPending, FetchInQueue, true},
		{FetchInQueue, FetchWaitingOnViewerist, true},
		{FetchWaitingOnViewerist, FetchComplete, true},
		{FetchWaitingOnViewerist, FetchErrored, true},
		{FetchPending, FetchWaitingOnViewerist, false},
		{FetchPending, FetchComplete, false},
		{FetchInQueue, FetchPending, false},
		{FetchComplete, FetchErrored, false},
		{FetchErrored, FetchPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	tests := []struct {
		next FetchStatus
		from []string
	}{
		{FetchInQueue, []string{"pending"}},
		{FetchWaitingOnViewerist, []string{"in_queue"}},
		{FetchComplete, []string{"waiting_on_viewer_list"}},
		{FetchErrored, []string{"waiting_on_viewer_list"}},
	}
	for _, tt := range tests {
		if got := transitionSources(tt.next); !reflect.DeepEqual(got, tt.from) {
			t.Errorf("transitionSources(%s) = %v, want %v", tt.next, got, tt.from)
		}
	}
}
