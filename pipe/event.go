package pipe

// EventType identifies one kind of observable server occurrence.
type EventType int

const (
	// EventServerStarted is emitted once per serve phase, after init succeeds.
	EventServerStarted EventType = iota + 1
	// EventServerStopped is emitted once per serve phase: after drain, or
	// right after a failed completion-port creation.
	EventServerStopped
	// EventClientConnected is emitted when a slot's connect completes.
	EventClientConnected
	// EventClientDisconnected is emitted when a connected slot loses its
	// client (broken pipe, user close, or server stop).
	EventClientDisconnected
	// EventMessageReceived is emitted for every complete inbound message.
	EventMessageReceived
	// EventErrorOccurred is emitted for non-fatal loop errors.
	EventErrorOccurred
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventServerStarted:
		return "ServerStarted"
	case EventServerStopped:
		return "ServerStopped"
	case EventClientConnected:
		return "ClientConnected"
	case EventClientDisconnected:
		return "ClientDisconnected"
	case EventMessageReceived:
		return "MessageReceived"
	case EventErrorOccurred:
		return "ErrorOccurred"
	}
	return "Unknown"
}

// ServerEvent is the tagged variant delivered to the universal event sink.
// Only the fields relevant to Type are populated.
type ServerEvent struct {
	Type     EventType
	ClientID int          // Slot index for client events, -1 otherwise.
	Conn     *Conn        // Client handle for client events.
	Payload  []byte       // Complete message for MessageReceived.
	Err      error        // Error for ErrorOccurred and ClientDisconnected (nil on user close).
	Config   ServerConfig // Config snapshot for ServerStarted / ServerStopped.
}

func serverStartedEvent(cfg ServerConfig) ServerEvent {
	return ServerEvent{Type: EventServerStarted, ClientID: -1, Config: cfg}
}

func serverStoppedEvent(cfg ServerConfig) ServerEvent {
	return ServerEvent{Type: EventServerStopped, ClientID: -1, Config: cfg}
}

func clientConnectedEvent(id int, conn *Conn) ServerEvent {
	return ServerEvent{Type: EventClientConnected, ClientID: id, Conn: conn}
}

func clientDisconnectedEvent(id int, conn *Conn, err error) ServerEvent {
	return ServerEvent{Type: EventClientDisconnected, ClientID: id, Conn: conn, Err: err}
}

func messageReceivedEvent(id int, conn *Conn, payload []byte) ServerEvent {
	return ServerEvent{Type: EventMessageReceived, ClientID: id, Conn: conn, Payload: payload}
}

func errorOccurredEvent(err error) ServerEvent {
	return ServerEvent{Type: EventErrorOccurred, ClientID: -1, Err: err}
}
