package worker

import "fmt"

// JobState is where a single delivery is in its processing.
type JobState string

const (
	StateReceived        JobState = "RECEIVED"
	StateFetching        JobState = "FETCHING"
	StateClassifying     JobState = "CLASSIFYING"
	StatePersisting      JobState = "PERSISTING"
	StateAcknowledged    JobState = "ACKNOWLEDGED"
	StateFailedTransient JobState = "FAILED_TRANSIENT"
	StateFailedPermanent JobState = "FAILED_PERMANENT"
)

func (s JobState) String() string {
	return string(s)
}

// Terminal states end the run; the delivery is settled right after.
func (s JobState) Terminal() bool {
	switch s {
	case StateAcknowledged, StateFailedTransient, StateFailedPermanent:
		return true
	}
	return false
}

type Transition struct {
	From JobState
	To   JobState
}

var ValidTransitions = []Transition{
	{From: StateReceived, To: StateFetching},
	// carrier lookup found no record
	{From: StateReceived, To: StateAcknowledged},
	{From: StateReceived, To: StateFailedTransient},
	{From: StateFetching, To: StateClassifying},
	{From: StateFetching, To: StateFailedTransient},
	{From: StateFetching, To: StateFailedPermanent},
	{From: StateClassifying, To: StatePersisting},
	{From: StatePersisting, To: StateAcknowledged},
	{From: StatePersisting, To: StateFailedTransient},
}

func IsValidTransition(from, to JobState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// run tracks the state of one delivery.
type run struct {
	state JobState
}

func newRun() *run {
	return &run{state: StateReceived}
}

func (r *run) advance(to JobState) error {
	if !IsValidTransition(r.state, to) {
		return fmt.Errorf("invalid job transition %s -> %s", r.state, to)
	}
	r.state = to
	return nil
}
