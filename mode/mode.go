package mode

import (
	"fmt"
	"slices"
)

// Mode is one of the fixed operating modes of the system. The current mode
// is held exclusively by the Manager; every other service observes it
// through transition events.
type Mode string

const (
	// ModeIdle is the resting state: the assistant is powered but neither
	// listening ambiently nor holding a conversation.
	ModeIdle Mode = "idle"
	// ModeAmbient has passive behaviors running (idle animations, ambient
	// music) without an active conversation.
	ModeAmbient Mode = "ambient"
	// ModeInteractive is an active conversation: capture, transcription,
	// and response generation are live.
	ModeInteractive Mode = "interactive"
	// ModeSleeping suspends all externally visible behavior until woken.
	ModeSleeping Mode = "sleeping"
)

// Parse converts a wire string (e.g. from a dashboard command) to a Mode.
func Parse(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeIdle, ModeAmbient, ModeInteractive, ModeSleeping:
		return m, nil
	}
	return "", fmt.Errorf("mode: unknown mode %q", s)
}

// DefaultTransitions is the transition table used unless WithTransitions
// overrides it. Sleeping can only be left through idle so wake-up behavior
// has a single entry point.
func DefaultTransitions() map[Mode][]Mode {
	return map[Mode][]Mode{
		ModeIdle:        {ModeAmbient, ModeInteractive, ModeSleeping},
		ModeAmbient:     {ModeIdle, ModeInteractive, ModeSleeping},
		ModeInteractive: {ModeIdle, ModeAmbient},
		ModeSleeping:    {ModeIdle},
	}
}

// UndefinedTransitionError reports a requested transition with no path in
// the transition table. A request for the current mode is not an error; it
// is a no-op.
type UndefinedTransitionError struct {
	From Mode
	To   Mode
}

func (e *UndefinedTransitionError) Error() string {
	return fmt.Sprintf("mode: no transition defined from %q to %q", e.From, e.To)
}

func allowed(table map[Mode][]Mode, from, to Mode) bool {
	return slices.Contains(table[from], to)
}
