package orchestrator

import (
	"fmt"
	"time"

	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/hardware"
)

// State is the position of one segment in the stage sequence.
type State string

const (
	StateIdle          State = "idle"
	StateModelsLoading State = "models_loading"
	StateTranscribing  State = "transcribing"
	StateAligning      State = "aligning"
	StateDiarizing     State = "diarizing"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateIdle:          {StateModelsLoading},
	StateModelsLoading: {StateTranscribing},
	StateTranscribing:  {StateAligning, StateDone},
	StateAligning:      {StateDiarizing, StateDone},
	StateDiarizing:     {StateDone},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Machine tracks the state of one segment. Illegal transitions return an error.
type Machine struct {
	current State
	history []State
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{current: StateIdle, history: []State{StateIdle}}
}

// State returns the current state.
func (m *Machine) State() State { return m.current }

// History returns every state visited, in order.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// Transition moves to next. StateFailed is reachable from any non-terminal state.
func (m *Machine) Transition(next State) error {
	if m.current.Terminal() {
		return fmt.Errorf("illegal transition %s -> %s: state is terminal", m.current, next)
	}
	if next != StateFailed && !allowed(m.current, next) {
		return fmt.Errorf("illegal transition %s -> %s", m.current, next)
	}
	m.current = next
	m.history = append(m.history, next)
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DegradedStage records a recoverable stage failure.
type DegradedStage struct {
	SegmentID int       `json:"segment_id"`
	Stage     Stage     `json:"stage"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}

// PipelineState holds everything one Process call loads or accumulates. It
// is created per call and never shared between calls.
type PipelineState struct {
	Transcriber     backend.Handle
	Aligner         backend.Handle
	AlignerLanguage string
	Diarizer        backend.Handle

	// Profile is the effective profile after any fallback.
	Profile  hardware.Profile
	FellBack bool

	Timings  map[Stage]time.Duration
	Degraded []DegradedStage
}

// NewPipelineState returns an empty state for profile.
func NewPipelineState(profile hardware.Profile) *PipelineState {
	return &PipelineState{Profile: profile, Timings: make(map[Stage]time.Duration)}
}

func (s *PipelineState) addTiming(stage Stage, d time.Duration) {
	s.Timings[stage] += d
}
