package events

import (
	"errors"

	"github.com/google/uuid"
)

// ServiceStatusChanged is emitted on service/<name>/status whenever a
// service's lifecycle status actually changes. It is never emitted
// periodically; liveness is ServiceHeartbeat's job.
type ServiceStatusChanged struct {
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

func (p ServiceStatusChanged) Validate() error {
	switch {
	case p.Service == "":
		return errors.New("service is required")
	case p.From == "":
		return errors.New("from is required")
	case p.To == "":
		return errors.New("to is required")
	case p.From == p.To:
		return errors.New("from and to must differ")
	}
	return nil
}

// ServiceHeartbeat is a lightweight liveness signal emitted on
// service/<name>/heartbeat at a configured interval, independently of status
// changes.
type ServiceHeartbeat struct {
	Service       string  `json:"service"`
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (p ServiceHeartbeat) Validate() error {
	switch {
	case p.Service == "":
		return errors.New("service is required")
	case p.Status == "":
		return errors.New("status is required")
	case p.UptimeSeconds < 0:
		return errors.New("uptime_seconds must not be negative")
	}
	return nil
}

// HandlerFailed reports a subscriber handler that returned an error or timed
// out during dispatch. The failure is isolated to that handler; siblings for
// the same event still run.
type HandlerFailed struct {
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
	EventID      string `json:"event_id"`
	Reason       string `json:"reason"`
	TimedOut     bool   `json:"timed_out,omitempty"`
}

func (p HandlerFailed) Validate() error {
	switch {
	case p.Topic == "":
		return errors.New("topic is required")
	case p.Subscription == "":
		return errors.New("subscription is required")
	case p.Reason == "":
		return errors.New("reason is required")
	}
	return nil
}

// ModeTransitionRequested asks the mode manager to move the system to the
// target mode. External adapters emit this instead of calling the manager
// directly.
type ModeTransitionRequested struct {
	Target string `json:"target"`
	Source string `json:"source,omitempty"`
}

func (p ModeTransitionRequested) Validate() error {
	if p.Target == "" {
		return errors.New("target is required")
	}
	return nil
}

// ModeTransitionStarted announces that a transition is underway. Subscribers
// should use the grace period that follows to stop producing side effects
// tied to the old mode.
type ModeTransitionStarted struct {
	TransitionID uuid.UUID `json:"transition_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
}

func (p ModeTransitionStarted) Validate() error { return validateTransition(p.TransitionID, p.From, p.To) }

// ModeTransitionCompleted marks the transition identified by TransitionID as
// applied; the current mode is To from this point on.
type ModeTransitionCompleted struct {
	TransitionID uuid.UUID `json:"transition_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
}

func (p ModeTransitionCompleted) Validate() error {
	return validateTransition(p.TransitionID, p.From, p.To)
}

// ModeTransitionFailed is the compensating event for a transition that did
// not complete: the mode is still From, and subscribers that reacted to
// ModeTransitionStarted should undo their preparation.
type ModeTransitionFailed struct {
	TransitionID uuid.UUID `json:"transition_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Reason       string    `json:"reason"`
}

func (p ModeTransitionFailed) Validate() error {
	if p.Reason == "" {
		return errors.New("reason is required")
	}
	return validateTransition(p.TransitionID, p.From, p.To)
}

func validateTransition(id uuid.UUID, from, to string) error {
	switch {
	case id == uuid.Nil:
		return errors.New("transition_id is required")
	case from == "":
		return errors.New("from is required")
	case to == "":
		return errors.New("to is required")
	case from == to:
		return errors.New("from and to must differ")
	}
	return nil
}

// RegisterMode registers the mode-transition topic family on r. The mode
// manager calls this at construction; adapters that run without a mode
// manager (tests, tooling) can call it themselves.
func RegisterMode(r *Registry) error {
	if err := Register[ModeTransitionRequested](r, TopicModeTransitionRequest, 1); err != nil {
		return err
	}
	if err := Register[ModeTransitionStarted](r, TopicModeTransitionStarted, 1); err != nil {
		return err
	}
	if err := Register[ModeTransitionCompleted](r, TopicModeTransitionCompleted, 1); err != nil {
		return err
	}
	return Register[ModeTransitionFailed](r, TopicModeTransitionFailed, 1)
}
