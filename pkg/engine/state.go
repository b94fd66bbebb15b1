package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/protocol"
)

// State is a transaction state machine state.
type State string

const (
	StateInit     State = "init"
	StateDbCheck  State = "db_check"
	StateResolve  State = "resolve"
	StatePrepare  State = "prepare"
	StateCommit   State = "commit"
	StateSelfHeal State = "self_heal"
	StateDone     State = "done"
	StateError    State = "error"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Commit -> Prepare is the second upgrade phase.
var transitions = map[State][]State{
	StateInit:     {StateDbCheck, StateError},
	StateDbCheck:  {StateResolve, StatePrepare, StateCommit, StateDone, StateError},
	StateResolve:  {StatePrepare, StateDone, StateError},
	StatePrepare:  {StateCommit, StateError},
	StateCommit:   {StateDone, StateSelfHeal, StatePrepare, StateError},
	StateSelfHeal: {StateCommit, StateError},
}

// statusProgress is the coarse progress reported on entering a state.
var statusProgress = map[State]int{
	StateInit:     0,
	StateDbCheck:  5,
	StateResolve:  10,
	StatePrepare:  20,
	StateCommit:   30,
	StateSelfHeal: 30,
	StateDone:     100,
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// TransactionState is the per-invocation object the engine advances. It is
// never shared across invocations and never persisted.
type TransactionState struct {
	ID      string
	Command protocol.Command
	State   State
	Targets []Target
	History []Transition
	Err     *classify.ClassifiedError

	entered time.Time
	now     func() time.Time
}

func newTransactionState(cmd protocol.Command, now func() time.Time) *TransactionState {
	if now == nil {
		now = time.Now
	}
	return &TransactionState{
		ID:      uuid.NewString(),
		Command: cmd,
		State:   StateInit,
		entered: now(),
		now:     now,
	}
}

// advance moves to next, returning how long the previous state lasted.
func (s *TransactionState) advance(next State) (time.Duration, error) {
	allowed := false
	for _, st := range transitions[s.State] {
		if st == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return 0, fmt.Errorf("invalid transition %s -> %s", s.State, next)
	}

	at := s.now()
	spent := at.Sub(s.entered)
	s.History = append(s.History, Transition{From: s.State, To: next, At: at})
	s.State = next
	s.entered = at
	return spent, nil
}

// Path returns the visited states in order, starting with Init.
func (s *TransactionState) Path() []State {
	path := []State{StateInit}
	for _, t := range s.History {
		path = append(path, t.To)
	}
	return path
}

// Visits counts how often st was entered.
func (s *TransactionState) Visits(st State) int {
	n := 0
	for _, t := range s.History {
		if t.To == st {
			n++
		}
	}
	return n
}
