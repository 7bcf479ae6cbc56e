package harness

import (
	"fmt"
	"log/slog"
	"slices"
	"time"
)

type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateTearingDown  State = "tearing-down"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

var allowedTransitions = map[State][]State{
	StateIdle:         {StateProvisioning},
	StateProvisioning: {StateRunning, StateTearingDown},
	StateRunning:      {StateTearingDown},
	StateTearingDown:  {StateCompleted, StateFailed},
}

type Transition struct {
	From State     `yaml:"from"`
	To   State     `yaml:"to"`
	At   time.Time `yaml:"at"`
}

// lifecycle records the state machine of one invocation.
type lifecycle struct {
	state   State
	history []Transition
	now     func() time.Time
	logger  *slog.Logger
}

func newLifecycle(now func() time.Time, l *slog.Logger) *lifecycle {
	return &lifecycle{state: StateIdle, now: now, logger: l}
}

// advance moves to next. Only the orchestrator drives the machine, so an illegal move is a bug.
func (l *lifecycle) advance(next State) {
	if !slices.Contains(allowedTransitions[l.state], next) {
		panic(fmt.Sprintf("illegal scenario state transition %s -> %s", l.state, next))
	}

	l.history = append(l.history, Transition{From: l.state, To: next, At: l.now()})
	l.logger.With("from", l.state).With("to", next).Debug("scenario state changed")
	l.state = next
}

func (l *lifecycle) transitions() []Transition {
	return slices.Clone(l.history)
}
