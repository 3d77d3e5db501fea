package domain

// EventKind tags the StreamEvent variants.
type EventKind int

const (
	// EventUnknown carries only an id and exists to advance the cursor.
	EventUnknown EventKind = iota
	EventSessionCreated
	EventSessionUpdated
	EventSessionCompleted
)

// Wire names of the subscribed event types.
const (
	EventTypeSessionCreated   = "commerce_session.created"
	EventTypeSessionUpdated   = "commerce_session.updated"
	EventTypeSessionCompleted = "commerce_session.completed"
)

// SubscribedEventTypes lists the types requested from GET /events.
var SubscribedEventTypes = []string{
	EventTypeSessionCreated,
	EventTypeSessionCompleted,
	EventTypeSessionUpdated,
}

// ParseEventKind maps a wire type to its variant.
func ParseEventKind(eventType string) EventKind {
	switch eventType {
	case EventTypeSessionCreated:
		return EventSessionCreated
	case EventTypeSessionUpdated:
		return EventSessionUpdated
	case EventTypeSessionCompleted:
		return EventSessionCompleted
	default:
		return EventUnknown
	}
}

func (k EventKind) String() string {
	switch k {
	case EventSessionCreated:
		return EventTypeSessionCreated
	case EventSessionUpdated:
		return EventTypeSessionUpdated
	case EventSessionCompleted:
		return EventTypeSessionCompleted
	case EventUnknown:
		return "unknown"
	}
	return "unknown"
}

// StreamEvent is one server-push event. Session is nil for EventUnknown.
type StreamEvent struct {
	Kind    EventKind
	ID      string
	Session *CommerceSession
}
