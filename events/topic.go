package events

// Topic names the channel an event is published on. Topics are hierarchical,
// with segments separated by slashes, e.g. "mode/transition/started" or
// "service/led-controller/status".
type Topic string

func (t Topic) String() string { return string(t) }

// Core topics owned by the runtime itself. Service status and heartbeat
// topics are per-service and built with ServiceStatusTopic and
// ServiceHeartbeatTopic instead.
const (
	// TopicHandlerFailed carries reports of subscriber handlers that
	// returned an error or timed out. It is the status channel for
	// asynchronous handler failures, so monitoring does not need a second
	// error path.
	TopicHandlerFailed Topic = "bus/handler/failed"

	TopicModeTransitionRequest   Topic = "mode/transition/request"
	TopicModeTransitionStarted   Topic = "mode/transition/started"
	TopicModeTransitionCompleted Topic = "mode/transition/completed"
	TopicModeTransitionFailed    Topic = "mode/transition/failed"
)

// ServiceStatusTopic returns the status-change topic for the named service.
func ServiceStatusTopic(service string) Topic {
	return Topic("service/" + service + "/status")
}

// ServiceHeartbeatTopic returns the liveness-heartbeat topic for the named
// service. Heartbeats are rate-limited independently of status changes.
func ServiceHeartbeatTopic(service string) Topic {
	return Topic("service/" + service + "/heartbeat")
}
