// Package metrics records runtime counters for the bus, services, and mode
// manager. The core takes a Recorder so it never requires a Prometheus
// registry; the daemon wires the Prometheus implementation and the dashboard
// bridge exposes it.
package metrics

import "time"

// Recorder receives measurements from the runtime core.
type Recorder interface {
	EventEmitted(topic string)
	EventRejected(topic string)
	HandlerFailure(topic string, timedOut bool)
	DispatchDuration(topic string, d time.Duration)
	ServiceStatus(service, status string)
	ModeTransition(from, to, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) EventEmitted(string)                    {}
func (nopRecorder) EventRejected(string)                   {}
func (nopRecorder) HandlerFailure(string, bool)            {}
func (nopRecorder) DispatchDuration(string, time.Duration) {}
func (nopRecorder) ServiceStatus(string, string)           {}
func (nopRecorder) ModeTransition(string, string, string)  {}

// Nop returns a Recorder that discards every measurement.
func Nop() Recorder { return nopRecorder{} }
