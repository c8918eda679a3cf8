package pipe

// EventHandler is the installed handler object. Implementations receive
// every observable event before the matching typed callback and the
// universal sink. All methods run on the loop goroutine; they may re-enter
// the server facade (SendTo, CloseClient, SetConfig) but must not block
// indefinitely and must not call Stop.
type EventHandler interface {
	OnConnected(clientID int, conn *Conn)
	OnDisconnected(clientID int, conn *Conn, err error)
	OnMessage(clientID int, conn *Conn, payload []byte)
	OnStart(cfg ServerConfig)
	OnStop(cfg ServerConfig)
	OnError(err error)
}

// dispatcher fans one event out to, in fixed order: the installed handler's
// typed method, the matching typed callback, then the universal sink.
// Registration is not safe concurrently with a running server; register
// everything before Start.
type dispatcher struct {
	handler EventHandler

	onConnected    func(clientID int, conn *Conn)
	onDisconnected func(clientID int, conn *Conn, err error)
	onMessage      func(clientID int, conn *Conn, payload []byte)
	onStart        func(cfg ServerConfig)
	onStop         func(cfg ServerConfig)
	onError        func(err error)

	universal func(ev ServerEvent)
}

func (d *dispatcher) emitStarted(cfg ServerConfig) {
	if d.handler != nil {
		d.handler.OnStart(cfg)
	}
	if d.onStart != nil {
		d.onStart(cfg)
	}
	if d.universal != nil {
		d.universal(serverStartedEvent(cfg))
	}
}

func (d *dispatcher) emitStopped(cfg ServerConfig) {
	if d.handler != nil {
		d.handler.OnStop(cfg)
	}
	if d.onStop != nil {
		d.onStop(cfg)
	}
	if d.universal != nil {
		d.universal(serverStoppedEvent(cfg))
	}
}

func (d *dispatcher) emitConnected(id int, conn *Conn) {
	if d.handler != nil {
		d.handler.OnConnected(id, conn)
	}
	if d.onConnected != nil {
		d.onConnected(id, conn)
	}
	if d.universal != nil {
		d.universal(clientConnectedEvent(id, conn))
	}
}

func (d *dispatcher) emitDisconnected(id int, conn *Conn, err error) {
	if d.handler != nil {
		d.handler.OnDisconnected(id, conn, err)
	}
	if d.onDisconnected != nil {
		d.onDisconnected(id, conn, err)
	}
	if d.universal != nil {
		d.universal(clientDisconnectedEvent(id, conn, err))
	}
}

func (d *dispatcher) emitMessage(id int, conn *Conn, payload []byte) {
	if d.handler != nil {
		d.handler.OnMessage(id, conn, payload)
	}
	if d.onMessage != nil {
		d.onMessage(id, conn, payload)
	}
	if d.universal != nil {
		d.universal(messageReceivedEvent(id, conn, payload))
	}
}

func (d *dispatcher) emitError(err error) {
	if d.handler != nil {
		d.handler.OnError(err)
	}
	if d.onError != nil {
		d.onError(err)
	}
	if d.universal != nil {
		d.universal(errorOccurredEvent(err))
	}
}
