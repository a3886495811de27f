package event

import "errors"

var (
	// ErrPlatformOnly is returned when plugin code publishes a platform event.
	ErrPlatformOnly = errors.New("event: platform-only event cannot be published by a plugin")

	// ErrProvenance is returned when an event names a different plugin than
	// the channel it is published on.
	ErrProvenance = errors.New("event: plugin id does not match publishing channel")

	// ErrNilEvent is returned for nil events.
	ErrNilEvent = errors.New("event: nil event")

	// ErrEventType is returned when subscribing with a non-value event type.
	ErrEventType = errors.New("event: subscriptions take value event types")

	// ErrNoBus is returned by a channel that is not attached to a bus.
	ErrNoBus = errors.New("event: channel has no bus")

	// ErrBusClosed is returned after the bus has been closed.
	ErrBusClosed = errors.New("event: bus is closed")
)
