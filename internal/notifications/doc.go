// Package notifications publishes run events to an ntfy topic.
//
// NewService returns a no-op notifier when no topic is configured, so
// callers publish unconditionally.
package notifications
