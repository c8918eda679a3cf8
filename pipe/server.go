package pipe

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/linchenxuan/pipelink/log"
	"github.com/linchenxuan/pipelink/metrics"
)

// Metric keys reported by the server, all under one group.
const (
	_metricGroup = "pipelink"

	_metricConnections      = "current_connections"
	_metricConnectTotal     = "client_connect_total"
	_metricDisconnectTotal  = "client_disconnect_total"
	_metricRecvTotal        = "recv_msg_total"
	_metricRecvBytes        = "recv_bytes_total"
	_metricSendTotal        = "send_msg_total"
	_metricSendBytes        = "send_bytes_total"
	_metricQueueFullTotal   = "send_queue_full_total"
	_metricRelistenErrTotal = "relisten_error_total"
	_metricDispatchMS       = "msg_dispatch_ms"
)

// Server multiplexes up to MaxClients concurrent clients of one named-pipe
// endpoint through a single completion port, serviced by one loop goroutine.
// Producer goroutines interact with the loop exclusively through enqueued
// commands and synthetic completion posts; they never touch OS handles or
// overlapped state.
type Server struct {
	mu       sync.Mutex    // Protects loopDone and start/stop transitions.
	loopDone chan struct{} // Closed when the current loop goroutine exits.
	stopping atomic.Bool
	running  atomic.Bool

	cfgMu    sync.Mutex
	cfgCond  *sync.Cond
	cfg      ServerConfig
	cfgFresh bool // A snapshot is waiting to be picked up by the loop.

	// writeMu guards every slot's pending queues and the port publication.
	// Producers hold it only for short push/pop sections.
	writeMu sync.Mutex
	port    ioPort // Non-nil only during an active serve phase.

	slots [MaxClients]clientSlot
	disp  dispatcher

	driver pipeDriver
	// relisten throttles re-listen retries after instance or connect
	// failures so a persistent OS error cannot spin the loop.
	relisten *rate.Limiter
}

// NewServer creates a server with the given configuration. The config is
// validated and snapshotted; the loop does not start until Start is called.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("ServerConfig is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ServerConfig: %w", err)
	}
	s := &Server{
		driver:   newSystemDriver(),
		relisten: rate.NewLimiter(rate.Limit(20), MaxClients),
	}
	s.cfgCond = sync.NewCond(&s.cfgMu)
	s.cfg = *cfg
	s.cfgFresh = true
	for i := range s.slots {
		s.slots[i].index = i
		s.slots[i].srv = s
	}
	return s, nil
}

// SetHandler installs the handler object invoked first for every event.
// Not safe concurrently with a running server; install before Start.
func (s *Server) SetHandler(h EventHandler) { s.disp.handler = h }

// OnConnected registers the typed callback for EventClientConnected.
func (s *Server) OnConnected(fn func(clientID int, conn *Conn)) { s.disp.onConnected = fn }

// OnDisconnected registers the typed callback for EventClientDisconnected.
func (s *Server) OnDisconnected(fn func(clientID int, conn *Conn, err error)) {
	s.disp.onDisconnected = fn
}

// OnMessage registers the typed callback for EventMessageReceived.
func (s *Server) OnMessage(fn func(clientID int, conn *Conn, payload []byte)) {
	s.disp.onMessage = fn
}

// OnStart registers the typed callback for EventServerStarted.
func (s *Server) OnStart(fn func(cfg ServerConfig)) { s.disp.onStart = fn }

// OnStop registers the typed callback for EventServerStopped.
func (s *Server) OnStop(fn func(cfg ServerConfig)) { s.disp.onStop = fn }

// OnError registers the typed callback for EventErrorOccurred.
func (s *Server) OnError(fn func(err error)) { s.disp.onError = fn }

// OnEvent registers the universal sink receiving every ServerEvent last.
func (s *Server) OnEvent(fn func(ev ServerEvent)) { s.disp.universal = fn }

// Start brings the server online. If a prior loop goroutine exists it is
// signalled to stop and joined first, so Start is idempotent. With
// runAsync=false the loop runs on the caller's goroutine and Start does not
// return until the server stops.
func (s *Server) Start(runAsync bool) {
	s.mu.Lock()
	if s.loopDone != nil {
		done := s.loopDone
		s.loopDone = nil
		s.mu.Unlock()
		s.signalStop()
		<-done
		s.mu.Lock()
	}
	s.stopping.Store(false)
	s.cfgMu.Lock()
	s.cfgFresh = true
	s.cfgMu.Unlock()
	s.running.Store(true)

	if runAsync {
		done := make(chan struct{})
		s.loopDone = done
		go func() {
			defer close(done)
			s.runLoop()
		}()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.runLoop()
}

// Stop signals the loop to exit and is idempotent. When the loop runs on
// its own goroutine, Stop joins it and returns after the drain has
// completed; a loop running synchronously inside Start is only signalled,
// and Stop returns without waiting for its drain.
func (s *Server) Stop() {
	s.mu.Lock()
	done := s.loopDone
	s.loopDone = nil
	s.mu.Unlock()
	s.signalStop()
	if done != nil {
		<-done
	}
}

func (s *Server) signalStop() {
	s.stopping.Store(true)
	s.cfgMu.Lock()
	s.cfgCond.Broadcast()
	s.cfgMu.Unlock()
	s.writeMu.Lock()
	port := s.port
	s.writeMu.Unlock()
	if port != nil {
		_ = port.Post(stopKey())
	}
}

// SetConfig stores a new snapshot and, if the server is running, forces the
// current serve phase to drain and re-initialize with it. User callbacks
// queued during the old phase are failed with ErrServerStopped.
func (s *Server) SetConfig(cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid ServerConfig: %w", err)
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgFresh = true
	s.cfgCond.Broadcast()
	s.cfgMu.Unlock()
	s.writeMu.Lock()
	port := s.port
	s.writeMu.Unlock()
	if port != nil {
		_ = port.Post(stopKey())
	}
	return nil
}

// GetConfig returns the current configuration snapshot.
func (s *Server) GetConfig() ServerConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// IsRunning reports whether a loop is active (between Start and Stop).
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// IsConnected reports whether the slot currently has a connected client.
// It is a lock-free acquire load and is safe from any goroutine.
func (s *Server) IsConnected(clientID int) bool {
	if clientID < 0 || clientID >= MaxClients {
		return false
	}
	return s.slots[clientID].connected.Load()
}

// ConnectionCount returns the number of currently connected clients.
func (s *Server) ConnectionCount() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].connected.Load() {
			n++
		}
	}
	return n
}

// SendTo enqueues one logical message for the client and wakes the loop.
// It never performs I/O and never blocks beyond a short mutex acquisition.
// Validation failures are delivered synchronously through onDone and
// returned; a nil return means the message was accepted and onDone will be
// invoked exactly once when transmission completes, fails, or is aborted by
// a stop.
func (s *Server) SendTo(clientID int, payload []byte, onDone func(error)) error {
	fail := func(err error) error {
		if onDone != nil {
			onDone(err)
		}
		return err
	}
	if clientID < 0 || clientID >= MaxClients {
		return fail(ErrClientIndexOutOfRange)
	}
	cfg := s.GetConfig()
	if len(payload) > cfg.WriteLimits.MaxMessageSize {
		return fail(ErrMessageTooLarge)
	}
	slot := &s.slots[clientID]

	s.writeMu.Lock()
	port := s.port
	if port == nil || s.stopping.Load() {
		s.writeMu.Unlock()
		return fail(ErrServerStopped)
	}
	if len(slot.pendingWrites) >= cfg.WriteLimits.MaxPendingPerClient {
		s.writeMu.Unlock()
		metrics.IncrCounterWithGroup(_metricQueueFullTotal, _metricGroup, 1)
		return fail(ErrQueueFull)
	}
	cmd := &writeCommand{
		slot:    clientID,
		payload: append([]byte(nil), payload...),
		onDone:  onDone,
	}
	slot.pendingWrites = append(slot.pendingWrites, cmd)
	s.writeMu.Unlock()

	if err := port.Post(sendKey(clientID)); err != nil {
		// Withdraw the command unless the loop already claimed it, so onDone
		// fires exactly once either way.
		s.writeMu.Lock()
		claimed := true
		for i, c := range slot.pendingWrites {
			if c == cmd {
				slot.pendingWrites = append(slot.pendingWrites[:i], slot.pendingWrites[i+1:]...)
				claimed = false
				break
			}
		}
		s.writeMu.Unlock()
		if !claimed {
			cmd.done(ErrServerStopped)
		}
		return ErrServerStopped
	}
	return nil
}

// SendAll enqueues the payload for every currently connected client.
// onDone, when non-nil, is invoked once per targeted client.
func (s *Server) SendAll(payload []byte, onDone func(clientID int, err error)) {
	for i := range s.slots {
		if !s.slots[i].connected.Load() {
			continue
		}
		id := i
		var cb func(error)
		if onDone != nil {
			cb = func(err error) { onDone(id, err) }
		}
		_ = s.SendTo(id, payload, cb)
	}
}

// CloseClient requests a user-initiated close of the slot. The result of
// re-arming the listen is reported through onDone.
func (s *Server) CloseClient(clientID int, onDone func(error)) error {
	fail := func(err error) error {
		if onDone != nil {
			onDone(err)
		}
		return err
	}
	if clientID < 0 || clientID >= MaxClients {
		return fail(ErrClientIndexOutOfRange)
	}
	slot := &s.slots[clientID]

	s.writeMu.Lock()
	port := s.port
	if port == nil || s.stopping.Load() {
		s.writeMu.Unlock()
		return fail(ErrServerStopped)
	}
	cc := closeCommand{onDone: onDone}
	slot.pendingCloses = append(slot.pendingCloses, cc)
	s.writeMu.Unlock()

	if err := port.Post(closeKey(clientID)); err != nil {
		s.writeMu.Lock()
		if n := len(slot.pendingCloses); n > 0 {
			slot.pendingCloses = slot.pendingCloses[:n-1]
		}
		s.writeMu.Unlock()
		return fail(ErrServerStopped)
	}
	return nil
}

// runLoop is the outer loop: wait for a configuration, serve it, drain,
// repeat until a stop is requested.
func (s *Server) runLoop() {
	defer s.running.Store(false)
	for {
		cfg, ok := s.waitForConfig()
		if !ok {
			return
		}
		s.servePhase(cfg)
		if s.stopping.Load() {
			return
		}
	}
}

// waitForConfig blocks until a fresh snapshot is available or a stop is
// requested.
func (s *Server) waitForConfig() (ServerConfig, bool) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	for !s.cfgFresh && !s.stopping.Load() {
		s.cfgCond.Wait()
	}
	if s.stopping.Load() {
		return ServerConfig{}, false
	}
	s.cfgFresh = false
	return s.cfg, true
}

// servePhase runs one init/serve/drain cycle against a config snapshot.
func (s *Server) servePhase(cfg ServerConfig) {
	port, err := s.driver.NewPort()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrCompletionPortCreate, err)
		log.Error().Err(err).Msg("Serve phase init failed")
		s.disp.emitError(err)
		s.disp.emitStopped(cfg)
		return
	}
	s.writeMu.Lock()
	s.port = port
	s.writeMu.Unlock()

	initOK := true
	for i := range s.slots {
		slot := &s.slots[i]
		slot.reset(cfg.BufferSize)
		inst, err := s.driver.NewInstance(port, &cfg, slot.index)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrNamedPipeCreate, err)
			log.Error().Err(err).Int("client", slot.index).Msg("Serve phase init failed")
			s.disp.emitError(err)
			initOK = false
			break
		}
		slot.inst = inst
		_ = s.reconnectClient(slot, port)
	}

	if initOK {
		log.Info().Str("pipe", cfg.PipeName).Int("slots", MaxClients).Msg("Pipe server started")
		s.disp.emitStarted(cfg)
		s.serve(port)
	}
	s.drain(&cfg, port)
}

// reconnectClient posts an asynchronous connect on the slot's instance. A
// synchronously connected client is folded into the normal completion path
// by posting the slot's pure-index key. Failures are non-fatal: the slot is
// flagged for a throttled retry on a later loop turn.
func (s *Server) reconnectClient(slot *clientSlot, port ioPort) error {
	slot.needListen = false
	slot.listening = true
	pending, err := slot.inst.Listen()
	if err != nil {
		metrics.IncrCounterWithGroup(_metricRelistenErrTotal, _metricGroup, 1)
		log.Warn().Err(err).Int("client", slot.index).Msg("Listen failed, will retry")
		s.disp.emitError(err)
		slot.listening = false
		slot.needListen = true
		return err
	}
	if !pending {
		if perr := port.Post(slotKey(slot.index)); perr != nil {
			s.disp.emitError(perr)
			slot.listening = false
			slot.needListen = true
			return perr
		}
	}
	return nil
}

// retryListens re-arms slots whose previous listen failed, throttled by the
// rate limiter.
func (s *Server) retryListens(port ioPort) {
	for i := range s.slots {
		slot := &s.slots[i]
		if !slot.needListen || slot.inst == nil {
			continue
		}
		if !s.relisten.Allow() {
			return
		}
		_ = s.reconnectClient(slot, port)
	}
}

// serve dequeues and dispatches completions until a stop command arrives or
// the port fails terminally. A panic inside dispatch ends the phase cleanly.
func (s *Server) serve(port ioPort) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrUnhandledException, r)
			log.Error().Err(err).Msg("Serve phase aborted")
			s.disp.emitError(err)
		}
	}()
	for {
		res, err := port.Wait()
		if err != nil {
			if errors.Is(err, errPortClosed) {
				return
			}
			s.disp.emitError(err)
			continue
		}
		switch res.key.command() {
		case cmdStop:
			return
		case cmdSend:
			slot := &s.slots[res.key.slot()]
			slot.drainPending()
			if !slot.writing {
				slot.startNextWrite()
			}
		case cmdClose:
			s.handleClose(&s.slots[res.key.slot()], port)
		default:
			s.handleCompletion(&s.slots[res.key.slot()], res, port)
		}
		s.retryListens(port)
	}
}

// handleCompletion routes one real completion by the overlapped operation
// it refers to.
func (s *Server) handleCompletion(slot *clientSlot, res ioResult, port ioPort) {
	if res.err != nil {
		if res.op == opRead {
			slot.readPosted = false
		}
		switch {
		case errors.Is(res.err, errAborted):
			// Cancelled by a disconnect or drain already in progress.
		case errors.Is(res.err, errBrokenPipe), errors.Is(res.err, errNoData):
			s.disconnectSlot(slot, res.err, false, port)
		default:
			s.disp.emitError(res.err)
			s.ensureRead(slot, port)
		}
		return
	}

	if !slot.connected.Load() {
		// A zero-byte completion on a listening slot is the connect
		// notification, real or synthesized.
		if res.bytes == 0 && res.op != opWrite {
			s.onSlotConnected(slot, port)
		}
		return
	}

	switch res.op {
	case opWrite:
		slot.onWriteComplete()
	case opRead:
		slot.readPosted = false
		if res.bytes > 0 {
			slot.reassembly.Write(slot.readBuf[:res.bytes])
			if !res.more {
				payload := append([]byte(nil), slot.reassembly.Bytes()...)
				slot.reassembly.Reset()
				metrics.IncrCounterWithGroup(_metricRecvTotal, _metricGroup, 1)
				metrics.IncrCounterWithGroup(_metricRecvBytes, _metricGroup, metrics.Value(len(payload)))
				dispatchStart := time.Now()
				s.disp.emitMessage(slot.index, slot.conn, payload)
				metrics.RecordStopwatchWithGroup(_metricDispatchMS, _metricGroup, dispatchStart)
			}
		}
	}
	s.ensureRead(slot, port)
}

// onSlotConnected marks the slot connected, publishes a fresh handle, and
// arms the first read.
func (s *Server) onSlotConnected(slot *clientSlot, port ioPort) {
	slot.listening = false
	slot.connected.Store(true)
	slot.conn = newConn(slot.index, s)
	metrics.IncrCounterWithGroup(_metricConnectTotal, _metricGroup, 1)
	metrics.UpdateGaugeWithGroup(_metricConnections, _metricGroup, metrics.Value(s.ConnectionCount()))
	log.Info().Int("client", slot.index).Msg("Client connected")
	s.disp.emitConnected(slot.index, slot.conn)
	s.ensureRead(slot, port)
}

// ensureRead arms a read on a connected slot that has none outstanding.
// A synchronous broken-pipe or no-data failure disconnects and re-listens;
// other synchronous failures are surfaced as ErrorOccurred.
func (s *Server) ensureRead(slot *clientSlot, port ioPort) {
	if !slot.connected.Load() || slot.readPosted || slot.inst == nil {
		return
	}
	err := slot.inst.Read(slot.readBuf)
	if err == nil {
		slot.readPosted = true
		return
	}
	if errors.Is(err, errBrokenPipe) || errors.Is(err, errNoData) {
		s.disconnectSlot(slot, err, false, port)
		return
	}
	s.disp.emitError(err)
}

// disconnectSlot tears down the slot's connected interval and re-arms the
// listen on the same instance. For a user-initiated close the emitted event
// carries no error; the in-flight write command is failed with cause and
// every other queued command with ErrNotConnected. The instance handle is
// kept, preserving slot identity across reconnections.
func (s *Server) disconnectSlot(slot *clientSlot, cause error, userClose bool, port ioPort) error {
	wasConnected := slot.connected.Load()
	if !wasConnected && (slot.listening || slot.needListen) {
		// A stale completion for an interval that was already torn down;
		// the listen is re-armed, nothing left to do.
		return nil
	}
	conn := slot.conn
	slot.connected.Store(false)
	slot.conn = nil
	if conn != nil {
		conn.invalidate()
	}
	slot.failWrites(cause, ErrNotConnected)
	slot.reassembly.Reset()
	slot.readPosted = false

	if wasConnected {
		metrics.IncrCounterWithGroup(_metricDisconnectTotal, _metricGroup, 1)
		metrics.UpdateGaugeWithGroup(_metricConnections, _metricGroup, metrics.Value(s.ConnectionCount()))
		evErr := cause
		if userClose {
			evErr = nil
		}
		log.Info().Int("client", slot.index).Bool("userClose", userClose).Msg("Client disconnected")
		s.disp.emitDisconnected(slot.index, conn, evErr)
	}

	if slot.inst == nil {
		return ErrInvalidPipeHandle
	}
	slot.inst.CancelIO()
	_ = slot.inst.Disconnect()
	return s.reconnectClient(slot, port)
}

// handleClose executes one user-requested close for the slot.
func (s *Server) handleClose(slot *clientSlot, port ioPort) {
	cc, ok := slot.popClose()
	if !ok {
		return
	}
	if slot.inst == nil {
		cc.done(ErrInvalidPipeHandle)
		return
	}
	if !slot.connected.Load() {
		// No connected interval to end; just make sure the slot listens.
		var err error
		if !slot.listening {
			err = s.reconnectClient(slot, port)
		}
		cc.done(err)
		return
	}
	cc.done(s.disconnectSlot(slot, ErrNotConnected, true, port))
}

// drain cancels all outstanding I/O, tears down every instance, closes the
// port, and fails every queued user callback so none is silently dropped.
func (s *Server) drain(cfg *ServerConfig, port ioPort) {
	// Unpublish the port first so producers observe ErrServerStopped while
	// the queues are emptied.
	s.writeMu.Lock()
	s.port = nil
	s.writeMu.Unlock()

	for i := range s.slots {
		slot := &s.slots[i]
		if slot.inst != nil {
			slot.inst.CancelIO()
			wasConnected := slot.connected.Load()
			conn := slot.conn
			slot.connected.Store(false)
			slot.conn = nil
			if conn != nil {
				conn.invalidate()
			}
			if wasConnected {
				metrics.IncrCounterWithGroup(_metricDisconnectTotal, _metricGroup, 1)
				s.disp.emitDisconnected(slot.index, conn, ErrServerStopped)
			}
			_ = slot.inst.Disconnect()
			_ = slot.inst.Close()
			slot.inst = nil
		}
		slot.failWrites(ErrServerStopped, ErrServerStopped)
		slot.failCloses(ErrServerStopped)
		slot.reassembly.Reset()
		slot.readPosted = false
		slot.listening = false
		slot.needListen = false
	}
	metrics.UpdateGaugeWithGroup(_metricConnections, _metricGroup, 0)
	_ = port.Close()
	log.Info().Str("pipe", cfg.PipeName).Msg("Pipe server stopped")
	s.disp.emitStopped(*cfg)
}
