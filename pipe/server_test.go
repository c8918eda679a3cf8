package pipe

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const _waitFor = 2 * time.Second
const _tick = 2 * time.Millisecond

// recorder collects dispatched events on buffered channels so tests can
// assert on them with timeouts.
type recorder struct {
	started      chan ServerConfig
	stopped      chan ServerConfig
	connected    chan int
	disconnected chan ServerEvent
	messages     chan ServerEvent
	errs         chan error
}

func newRecorder(srv *Server) *recorder {
	r := &recorder{
		started:      make(chan ServerConfig, 64),
		stopped:      make(chan ServerConfig, 64),
		connected:    make(chan int, 256),
		disconnected: make(chan ServerEvent, 256),
		messages:     make(chan ServerEvent, 4096),
		errs:         make(chan error, 256),
	}
	srv.OnStart(func(cfg ServerConfig) { r.started <- cfg })
	srv.OnStop(func(cfg ServerConfig) { r.stopped <- cfg })
	srv.OnConnected(func(id int, conn *Conn) { r.connected <- id })
	srv.OnDisconnected(func(id int, conn *Conn, err error) {
		r.disconnected <- clientDisconnectedEvent(id, conn, err)
	})
	srv.OnMessage(func(id int, conn *Conn, payload []byte) {
		r.messages <- messageReceivedEvent(id, conn, payload)
	})
	srv.OnError(func(err error) { r.errs <- err })
	return r
}

func waitChan[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(_waitFor):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func testConfig(name string, buffer int) *ServerConfig {
	return &ServerConfig{PipeName: name, BufferSize: buffer}
}

func newTestServer(t *testing.T, cfg *ServerConfig) (*Server, *fakeDriver, *recorder) {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	fd := newFakeDriver()
	srv.driver = fd
	rec := newRecorder(srv)
	t.Cleanup(srv.Stop)
	return srv, fd, rec
}

func startAndConnect(t *testing.T, srv *Server, fd *fakeDriver, rec *recorder, slot int) *fakeInstance {
	t.Helper()
	if !srv.IsRunning() {
		srv.Start(true)
		waitChan(t, rec.started, "ServerStarted")
	}
	inst := fd.instance(slot)
	require.NotNil(t, inst)
	inst.clientConnect()
	id := waitChan(t, rec.connected, "ClientConnected")
	require.Equal(t, slot, id)
	return inst
}

func TestEchoTenThenClose(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("T1", 1024))
	srv.OnMessage(func(id int, conn *Conn, payload []byte) {
		rec.messages <- messageReceivedEvent(id, conn, payload)
		require.NoError(t, conn.Send(append([]byte("Echo: "), payload...), nil))
	})

	inst := startAndConnect(t, srv, fd, rec, 0)

	for n := 1; n <= 10; n++ {
		inst.clientSend([]byte(fmt.Sprintf("msg-%d", n)))
	}
	for n := 1; n <= 10; n++ {
		ev := waitChan(t, rec.messages, "MessageReceived")
		assert.Equal(t, 0, ev.ClientID)
		assert.Equal(t, fmt.Sprintf("msg-%d", n), string(ev.Payload))
	}

	require.Eventually(t, func() bool {
		return len(inst.writtenChunks()) == 10
	}, _waitFor, _tick, "expected 10 echo writes")
	for n, chunk := range inst.writtenChunks() {
		assert.Equal(t, fmt.Sprintf("Echo: msg-%d", n+1), string(chunk))
	}

	closeDone := make(chan error, 1)
	require.NoError(t, srv.CloseClient(0, func(err error) { closeDone <- err }))
	require.NoError(t, waitChan(t, closeDone, "close onDone"))

	ev := waitChan(t, rec.disconnected, "ClientDisconnected")
	assert.Equal(t, 0, ev.ClientID)
	assert.NoError(t, ev.Err)
	assert.False(t, srv.IsConnected(0))
	require.Eventually(t, inst.isListening, _waitFor, _tick, "slot should re-listen")
}

func TestChunkedOutboundWrite(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("chunk", 4096))
	inst := startAndConnect(t, srv, fd, rec, 0)

	payload := bytes.Repeat([]byte{0xAB}, 10000)
	done := make(chan error, 1)
	require.NoError(t, srv.SendTo(0, payload, func(err error) { done <- err }))
	require.NoError(t, waitChan(t, done, "send onDone"))

	chunks := inst.writtenChunks()
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 4096)
	assert.Len(t, chunks[1], 4096)
	assert.Len(t, chunks[2], 10000-2*4096)
	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, payload, joined)
}

func TestChunkedInboundReassembly(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("reasm", 4096))
	inst := startAndConnect(t, srv, fd, rec, 0)

	msg := make([]byte, 10000)
	for i := range msg {
		msg[i] = byte(i)
	}
	inst.clientSend(msg)

	ev := waitChan(t, rec.messages, "MessageReceived")
	assert.Equal(t, msg, ev.Payload)

	// The next message arrives intact as well; the reassembly buffer was
	// cleared between messages.
	inst.clientSend([]byte("after"))
	ev = waitChan(t, rec.messages, "MessageReceived")
	assert.Equal(t, "after", string(ev.Payload))
}

func TestBackPressureQueueFull(t *testing.T) {
	cfg := testConfig("bp", 1024)
	cfg.WriteLimits.MaxPendingPerClient = 2
	srv, fd, rec := newTestServer(t, cfg)
	inst := startAndConnect(t, srv, fd, rec, 0)
	_ = inst

	// Hold the loop so queued commands stay in the pending queue.
	fd.port.pause()

	results := make(chan error, 3)
	require.NoError(t, srv.SendTo(0, []byte("a"), func(err error) { results <- err }))
	require.NoError(t, srv.SendTo(0, []byte("b"), func(err error) { results <- err }))
	err := srv.SendTo(0, []byte("c"), func(err error) { results <- err })
	require.ErrorIs(t, err, ErrQueueFull)
	require.ErrorIs(t, waitChan(t, results, "overflow onDone"), ErrQueueFull)

	fd.port.resume()
	require.NoError(t, waitChan(t, results, "first onDone"))
	require.NoError(t, waitChan(t, results, "second onDone"))
	assert.Len(t, inst.writtenChunks(), 2)
}

func TestSendValidation(t *testing.T) {
	cfg := testConfig("valid", 1024)
	cfg.WriteLimits.MaxMessageSize = 16
	srv, fd, rec := newTestServer(t, cfg)
	srv.Start(true)
	waitChan(t, rec.started, "ServerStarted")
	_ = fd

	done := make(chan error, 1)
	require.ErrorIs(t, srv.SendTo(-1, []byte("x"), func(err error) { done <- err }), ErrClientIndexOutOfRange)
	require.ErrorIs(t, waitChan(t, done, "onDone"), ErrClientIndexOutOfRange)

	require.ErrorIs(t, srv.SendTo(MaxClients, []byte("x"), nil), ErrClientIndexOutOfRange)

	require.ErrorIs(t, srv.SendTo(0, bytes.Repeat([]byte("y"), 17), func(err error) { done <- err }), ErrMessageTooLarge)
	require.ErrorIs(t, waitChan(t, done, "onDone"), ErrMessageTooLarge)

	// Accepted but the slot has no client: the loop fails it.
	require.NoError(t, srv.SendTo(0, []byte("z"), func(err error) { done <- err }))
	require.ErrorIs(t, waitChan(t, done, "onDone"), ErrNotConnected)

	srv.Stop()
	require.ErrorIs(t, srv.SendTo(0, []byte("x"), func(err error) { done <- err }), ErrServerStopped)
	require.ErrorIs(t, waitChan(t, done, "onDone"), ErrServerStopped)
}

func TestStopDrainsCleanly(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("drain", 1024))
	inst0 := startAndConnect(t, srv, fd, rec, 0)
	inst1 := startAndConnect(t, srv, fd, rec, 1)
	inst0.setStallWrites(true)
	inst1.setStallWrites(true)

	const queued = 50
	var mu sync.Mutex
	results := make([]error, 0, 2*queued)
	fired := make(chan struct{}, 2*queued)
	for n := 0; n < queued; n++ {
		for _, id := range []int{0, 1} {
			require.NoError(t, srv.SendTo(id, []byte("payload"), func(err error) {
				mu.Lock()
				results = append(results, err)
				mu.Unlock()
				fired <- struct{}{}
			}))
		}
	}

	srv.Stop()

	for n := 0; n < 2*queued; n++ {
		waitChan(t, fired, "queued onDone")
	}
	mu.Lock()
	for _, err := range results {
		assert.ErrorIs(t, err, ErrServerStopped)
	}
	mu.Unlock()

	seen := map[int]bool{}
	for n := 0; n < 2; n++ {
		ev := waitChan(t, rec.disconnected, "ClientDisconnected")
		assert.ErrorIs(t, ev.Err, ErrServerStopped)
		seen[ev.ClientID] = true
	}
	assert.True(t, seen[0] && seen[1])
	waitChan(t, rec.stopped, "ServerStopped")
	assert.False(t, srv.IsRunning())

	// Stop after stop is a no-op.
	srv.Stop()
}

func TestReconfigureLive(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("A", 1024))
	startAndConnect(t, srv, fd, rec, 0)

	next := *testConfig("B", 2048)
	require.NoError(t, next.Validate())
	require.NoError(t, srv.SetConfig(next))

	ev := waitChan(t, rec.disconnected, "ClientDisconnected")
	assert.ErrorIs(t, ev.Err, ErrServerStopped)
	stoppedCfg := waitChan(t, rec.stopped, "ServerStopped")
	assert.Equal(t, "A", stoppedCfg.PipeName)
	startedCfg := waitChan(t, rec.started, "ServerStarted")
	assert.Equal(t, "B", startedCfg.PipeName)

	got := srv.GetConfig()
	assert.Equal(t, next, got)
	assert.True(t, srv.IsRunning())
	require.Eventually(t, func() bool {
		inst := fd.instance(0)
		return inst != nil && inst.pipeName == "B"
	}, _waitFor, _tick, "instances should be recreated on endpoint B")
}

func TestClientDisconnectMidTransfer(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("midxfer", 1024))
	inst := startAndConnect(t, srv, fd, rec, 0)
	inst.setStallWrites(true)

	done := make(chan error, 1)
	require.NoError(t, srv.SendTo(0, bytes.Repeat([]byte("x"), 3*1024), func(err error) { done <- err }))
	require.Eventually(t, func() bool {
		return len(inst.writtenChunks()) == 1
	}, _waitFor, _tick, "first chunk should be in flight")

	inst.clientDisconnect()

	err := waitChan(t, done, "in-flight onDone")
	require.ErrorIs(t, err, errBrokenPipe)
	ev := waitChan(t, rec.disconnected, "ClientDisconnected")
	assert.ErrorIs(t, ev.Err, errBrokenPipe)

	// The slot re-enters listening and accepts a fresh client.
	require.Eventually(t, inst.isListening, _waitFor, _tick, "slot should re-listen")
	inst.clientConnect()
	id := waitChan(t, rec.connected, "ClientConnected")
	assert.Equal(t, 0, id)
	assert.True(t, srv.IsConnected(0))
}

func TestMultipleConcurrentClients(t *testing.T) {
	const clients = 16
	const perClient = 100
	srv, fd, rec := newTestServer(t, testConfig("many", 1024))
	srv.Start(true)
	waitChan(t, rec.started, "ServerStarted")

	for c := 0; c < clients; c++ {
		fd.instance(c).clientConnect()
	}
	seen := map[int]bool{}
	for c := 0; c < clients; c++ {
		seen[waitChan(t, rec.connected, "ClientConnected")] = true
	}
	assert.Len(t, seen, clients)

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for n := 0; n < perClient; n++ {
				fd.instance(c).clientSend([]byte(fmt.Sprintf("%d:%d", c, n)))
			}
		}(c)
	}
	wg.Wait()

	next := make([]int, clients)
	for n := 0; n < clients*perClient; n++ {
		ev := waitChan(t, rec.messages, "MessageReceived")
		var c, seq int
		_, err := fmt.Sscanf(string(ev.Payload), "%d:%d", &c, &seq)
		require.NoError(t, err)
		assert.Equal(t, c, ev.ClientID)
		assert.Equal(t, next[c], seq, "per-client order must match send order")
		next[c]++
	}
}

func TestSendFIFOPerClient(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("fifo", 64))
	inst := startAndConnect(t, srv, fd, rec, 0)

	const sends = 40
	order := make(chan int, sends)
	for n := 0; n < sends; n++ {
		n := n
		require.NoError(t, srv.SendTo(0, []byte(fmt.Sprintf("m%02d", n)), func(err error) {
			require.NoError(t, err)
			order <- n
		}))
	}
	for n := 0; n < sends; n++ {
		assert.Equal(t, n, waitChan(t, order, "onDone"), "onDone must fire in enqueue order")
	}
	chunks := inst.writtenChunks()
	require.Len(t, chunks, sends)
	for n, c := range chunks {
		assert.Equal(t, fmt.Sprintf("m%02d", n), string(c))
	}
}

func TestStartWhileRunningRestarts(t *testing.T) {
	srv, _, rec := newTestServer(t, testConfig("restart", 1024))
	srv.Start(true)
	waitChan(t, rec.started, "ServerStarted")

	srv.Start(true)
	waitChan(t, rec.stopped, "ServerStopped from restart")
	waitChan(t, rec.started, "ServerStarted after restart")
	assert.True(t, srv.IsRunning())
}

func TestInitFailureWaitsForFreshConfig(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("init", 1024))
	fd.mu.Lock()
	fd.failPort = true
	fd.mu.Unlock()

	srv.Start(true)
	err := waitChan(t, rec.errs, "init error")
	assert.ErrorIs(t, err, ErrCompletionPortCreate)
	waitChan(t, rec.stopped, "ServerStopped after init failure")
	assert.True(t, srv.IsRunning(), "outer loop keeps waiting for a config")

	fd.mu.Lock()
	fd.failPort = false
	fd.mu.Unlock()
	require.NoError(t, srv.SetConfig(*testConfig("init", 1024)))
	waitChan(t, rec.started, "ServerStarted after recovery")
}

func TestCloseOnUnconnectedSlot(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("closes", 1024))
	srv.Start(true)
	waitChan(t, rec.started, "ServerStarted")
	_ = fd

	done := make(chan error, 1)
	require.NoError(t, srv.CloseClient(0, func(err error) { done <- err }))
	require.NoError(t, waitChan(t, done, "close onDone"))
	select {
	case ev := <-rec.disconnected:
		t.Fatalf("unexpected ClientDisconnected for %d", ev.ClientID)
	case <-time.After(50 * time.Millisecond):
	}

	require.ErrorIs(t, srv.CloseClient(-1, func(err error) { done <- err }), ErrClientIndexOutOfRange)
	require.ErrorIs(t, waitChan(t, done, "close onDone"), ErrClientIndexOutOfRange)
}

func TestSendAllBroadcasts(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("bcast", 1024))
	inst0 := startAndConnect(t, srv, fd, rec, 0)
	inst1 := startAndConnect(t, srv, fd, rec, 1)
	assert.Equal(t, 2, srv.ConnectionCount())

	done := make(chan int, 2)
	srv.SendAll([]byte("hello"), func(id int, err error) {
		require.NoError(t, err)
		done <- id
	})
	got := map[int]bool{}
	got[waitChan(t, done, "broadcast onDone")] = true
	got[waitChan(t, done, "broadcast onDone")] = true
	assert.True(t, got[0] && got[1])
	require.Eventually(t, func() bool {
		return len(inst0.writtenChunks()) == 1 && len(inst1.writtenChunks()) == 1
	}, _waitFor, _tick, "both clients receive the broadcast")
}

func TestConnectedDisconnectedAlternate(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("alt", 1024))
	inst := startAndConnect(t, srv, fd, rec, 0)

	for round := 0; round < 3; round++ {
		inst.clientDisconnect()
		ev := waitChan(t, rec.disconnected, "ClientDisconnected")
		assert.Equal(t, 0, ev.ClientID)
		require.Eventually(t, inst.isListening, _waitFor, _tick, "slot should re-listen")
		inst.clientConnect()
		assert.Equal(t, 0, waitChan(t, rec.connected, "ClientConnected"))
	}
	// No spurious extra events.
	select {
	case <-rec.disconnected:
		t.Fatal("unexpected ClientDisconnected")
	case <-rec.connected:
		t.Fatal("unexpected ClientConnected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunSynchronousOnCaller(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("sync", 1024))
	loopExited := make(chan struct{})
	go func() {
		srv.Start(false)
		close(loopExited)
	}()
	waitChan(t, rec.started, "ServerStarted")
	assert.True(t, srv.IsRunning())
	_ = fd

	srv.Stop()
	waitChan(t, rec.stopped, "ServerStopped")
	select {
	case <-loopExited:
	case <-time.After(_waitFor):
		t.Fatal("synchronous Start did not return after Stop")
	}
	assert.False(t, srv.IsRunning())
}

func TestExactlyOnceOnDone(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("once", 1024))
	inst := startAndConnect(t, srv, fd, rec, 0)

	var mu sync.Mutex
	calls := map[int]int{}
	const sends = 20
	for n := 0; n < sends; n++ {
		n := n
		require.NoError(t, srv.SendTo(0, []byte("p"), func(err error) {
			mu.Lock()
			calls[n]++
			mu.Unlock()
		}))
	}
	require.Eventually(t, func() bool {
		return len(inst.writtenChunks()) == sends
	}, _waitFor, _tick)
	srv.Stop()
	waitChan(t, rec.stopped, "ServerStopped")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, sends)
	for n, c := range calls {
		assert.Equal(t, 1, c, "onDone for send %d fired %d times", n, c)
	}
}

func TestIsConnectedBounds(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig("bounds", 1024))
	assert.False(t, srv.IsConnected(-1))
	assert.False(t, srv.IsConnected(MaxClients))
	assert.False(t, srv.IsConnected(0))
}

func TestUnhandledPanicEndsPhase(t *testing.T) {
	srv, fd, rec := newTestServer(t, testConfig("panic", 1024))
	boom := true
	srv.OnMessage(func(id int, conn *Conn, payload []byte) {
		if boom {
			boom = false
			panic("callback exploded")
		}
	})
	inst := startAndConnect(t, srv, fd, rec, 0)

	inst.clientSend([]byte("trigger"))
	err := waitChan(t, rec.errs, "ErrorOccurred")
	assert.ErrorIs(t, err, ErrUnhandledException)
	waitChan(t, rec.stopped, "ServerStopped after panic")
}

func TestDroppedTailAfterWriteFailure(t *testing.T) {
	// A mid-message failure drops the remainder of that message; once the
	// client reconnects, a new command goes out normally.
	srv, fd, rec := newTestServer(t, testConfig("droptail", 8))
	inst := startAndConnect(t, srv, fd, rec, 0)
	inst.setStallWrites(true)

	first := make(chan error, 1)
	second := make(chan error, 1)
	require.NoError(t, srv.SendTo(0, []byte("0123456789abcdef"), func(err error) { first <- err }))
	require.Eventually(t, func() bool { return len(inst.writtenChunks()) == 1 }, _waitFor, _tick)

	inst.clientDisconnect()
	require.ErrorIs(t, waitChan(t, first, "failed onDone"), errBrokenPipe)
	waitChan(t, rec.disconnected, "ClientDisconnected")

	require.Eventually(t, inst.isListening, _waitFor, _tick)
	inst.clientConnect()
	waitChan(t, rec.connected, "ClientConnected")
	inst.setStallWrites(false)
	require.NoError(t, srv.SendTo(0, []byte("next"), func(err error) { second <- err }))
	require.Eventually(t, func() bool {
		chunks := inst.writtenChunks()
		return len(chunks) >= 2 && string(chunks[len(chunks)-1]) == "next"
	}, _waitFor, _tick)
	require.NoError(t, waitChan(t, second, "second onDone"))
}
