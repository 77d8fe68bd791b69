package domain

// EventKind classifies transport events.
type EventKind string

const (
	EventConnected          EventKind = "connected"
	EventDisconnected       EventKind = "disconnected"
	EventCredentialsUpdated EventKind = "credentials.updated"
	EventMessages           EventKind = "messages"
)

// DisconnectCause explains why a session closed.
type DisconnectCause struct {
	LoggedOut bool   // explicit logout; the session must not be reopened
	Reason    string
	Err       error
}

func (c DisconnectCause) String() string {
	if c.Err != nil {
		return c.Reason + ": " + c.Err.Error()
	}
	return c.Reason
}

// Event is a single transport notification. Only the field matching Kind is set.
type Event struct {
	Kind        EventKind
	Cause       DisconnectCause
	Credentials Credentials
	Batch       MessageBatch
}

// ConnectionState is the supervisor's view of the session.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	StateLoggedOut  ConnectionState = "logged_out"
)

// EventBus serialises transport events for a single consumer.
type EventBus interface {
	Publish(evt Event)
	Subscribe() <-chan Event
	Close()
}
