package slogx

import (
	"log/slog"
	"time"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Topic returns a slog.Attr for the event topic a log line relates to.
// Keeping the key stable makes it possible to correlate dispatch logs with
// the dashboard's event stream.
func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

// Service returns a slog.Attr carrying the name of the service a log line
// originates from or refers to.
func Service(name string) slog.Attr {
	return slog.String("service", name)
}

// Mode returns a slog.Attr for an operating mode.
func Mode(mode string) slog.Attr {
	return slog.String("mode", mode)
}

// Subscription returns a slog.Attr carrying a subscription identity token.
func Subscription(id string) slog.Attr {
	return slog.String("subscription", id)
}

// EventID returns a slog.Attr carrying an event identifier.
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// Duration returns a slog.Attr with the given key and the duration rendered
// as a string, which reads better than raw nanoseconds in the console writer.
func Duration(key string, d time.Duration) slog.Attr {
	return slog.String(key, d.String())
}
