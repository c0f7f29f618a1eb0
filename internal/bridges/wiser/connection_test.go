package wiser

import (
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeConn is an in-memory Conn.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	pings  int
	closes []int
	pong   func(string) error

	incoming  chan []byte
	readErr   chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 8),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.incoming:
		return websocket.TextMessage, b, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		c.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			c.closes = append(c.closes, int(binary.BigEndian.Uint16(data[:2])))
		}
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pong = h
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) CloseCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closes...)
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SimulatePong invokes the registered pong handler as gorilla's reader would.
func (c *fakeConn) SimulatePong() {
	c.mu.Lock()
	h := c.pong
	c.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

// fakeDialer hands out fakeConns and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	fail  bool
	block bool
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recorder captures manager callbacks.
type recorder struct {
	mu           sync.Mutex
	transitions  [][2]State
	connectivity []bool
	frames       []string
}

func (r *recorder) onState(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]State{from, to})
}

func (r *recorder) onConnectivity(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectivity = append(r.connectivity, up)
}

func (r *recorder) onFrame(b []byte) {
	if string(b) == "boom" {
		panic("handler exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(b))
}

func (r *recorder) count(from, to State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tr := range r.transitions {
		if tr[0] == from && tr[1] == to {
			n++
		}
	}
	return n
}

func (r *recorder) lastConnectivity() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.connectivity) == 0 {
		return false, false
	}
	return r.connectivity[len(r.connectivity)-1], true
}

func (r *recorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func newTestManager(t *testing.T, d Dialer, clk clock.Clock) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m, err := NewManager(ManagerConfig{
		URL:            "ws://192.168.1.50/api",
		Dialer:         d,
		Clock:          clk,
		OnFrame:        rec.onFrame,
		OnConnectivity: rec.onConnectivity,
		OnStateChange:  rec.onState,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, rec
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, tick,
		"state stayed %s, want %s", m.State(), want)
}

func TestNewManagerRequiresURL(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err)
}

func TestManagerOpensSessionAndRequestsDump(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, clock.NewMock())

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)

	conn := d.Last()
	require.NotNil(t, conn)
	writes := conn.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"command":"dump_loads"}`, string(writes[0]))
	assert.Equal(t, 1, conn.Pings(), "first heartbeat is sent when the session opens")

	up, ok := rec.lastConnectivity()
	assert.True(t, ok)
	assert.True(t, up)
}

func TestManagerHeartbeatTimeout(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, mock)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)
	conn := d.Last()
	require.Equal(t, 1, m.Stats().Pings)

	// Second ping at t=30s must not move the watchdog armed at t=0.
	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return m.Stats().Pings == 2 }, waitFor, tick)
	assert.Equal(t, StateOpen, m.State())

	mock.Add(time.Second)
	waitState(t, m, StateBackoff)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 1, rec.count(StateOpen, StateBackoff))

	up, _ := rec.lastConnectivity()
	assert.False(t, up)

	// Reconnect fires at t=31s+5s, not before.
	mock.Add(4900 * time.Millisecond)
	assert.Never(t, func() bool { return d.Dials() > 1 }, 50*time.Millisecond, tick)

	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, tick)
	waitState(t, m, StateOpen)
	assert.Equal(t, 1, rec.count(StateOpen, StateBackoff))
	assert.Equal(t, 1, m.Stats().Reconnects)
}

func TestManagerPongCancelsWatchdog(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, mock)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)
	conn := d.Last()

	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return m.Stats().Pings == 2 }, waitFor, tick)

	conn.SimulatePong()
	require.Eventually(t, func() bool { return !m.Stats().LastPongAt.IsZero() }, waitFor, tick)

	mock.Add(time.Second)
	assert.Never(t, func() bool { return m.State() != StateOpen }, 100*time.Millisecond, tick)
	assert.False(t, conn.IsClosed())
	assert.Equal(t, 0, m.Stats().ConsecutiveFailures)
}

func TestManagerNormalCloseDoesNotReconnect(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, mock)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)

	d.Last().readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	waitState(t, m, StateIdle)

	mock.Add(10 * time.Minute)
	assert.Never(t, func() bool { return d.Dials() > 1 }, 100*time.Millisecond, tick)

	stats := m.Stats()
	assert.Equal(t, websocket.CloseNormalClosure, stats.CloseCode)
	assert.Equal(t, "bye", stats.CloseReason)
	assert.Equal(t, 0, stats.Reconnects)

	up, _ := rec.lastConnectivity()
	assert.False(t, up)
}

func TestManagerStartReconnectsAfterNormalClose(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, mock)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)

	d.Last().readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	waitState(t, m, StateIdle)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)
	assert.Equal(t, 2, d.Dials())

	up, _ := rec.lastConnectivity()
	assert.True(t, up)

	// Ignored while already open.
	require.NoError(t, m.Start(context.Background()))
	assert.Never(t, func() bool { return d.Dials() > 2 }, 100*time.Millisecond, tick)
}

func TestManagerAbnormalCloseReconnectsOnce(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, mock)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)

	d.Last().readErr <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	waitState(t, m, StateBackoff)
	assert.Equal(t, 1, m.Stats().Reconnects)

	mock.Add(DefaultReconnectDelay)
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, tick)
	waitState(t, m, StateOpen)

	mock.Add(DefaultReconnectDelay)
	assert.Never(t, func() bool { return d.Dials() > 2 }, 50*time.Millisecond, tick)
	assert.Equal(t, 1, m.Stats().Reconnects)
	assert.Equal(t, 1, rec.count(StateOpen, StateBackoff))
}

func TestManagerTransportErrorReconnects(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, mock)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)

	d.Last().readErr <- errors.New("connection reset by peer")
	waitState(t, m, StateBackoff)
	assert.Equal(t, websocket.CloseAbnormalClosure, m.Stats().CloseCode)
}

func TestManagerBackoffEscalates(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{fail: true}
	m, _ := newTestManager(t, d, mock)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.Stats().Reconnects == 1 }, waitFor, tick)

	for want := 2; want <= DefaultOutageThreshold+1; want++ {
		mock.Add(DefaultReconnectDelay)
		require.Eventually(t, func() bool { return m.Stats().Reconnects == want }, waitFor, tick)
	}
	require.Equal(t, DefaultOutageThreshold+1, d.Dials())
	assert.Equal(t, DefaultOutageThreshold+1, m.Stats().ConsecutiveFailures)

	// Past the threshold the short delay no longer applies.
	mock.Add(DefaultReconnectDelay)
	assert.Never(t, func() bool { return d.Dials() > DefaultOutageThreshold+1 }, 50*time.Millisecond, tick)

	mock.Add(DefaultOutageDelay - DefaultReconnectDelay)
	require.Eventually(t, func() bool { return d.Dials() == DefaultOutageThreshold+2 }, waitFor, tick)
}

func TestManagerStopClosesSession(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, clock.NewMock())

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)
	conn := d.Last()

	m.Stop()
	m.Stop()

	assert.Equal(t, StateIdle, m.State())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, []int{websocket.CloseNormalClosure}, conn.CloseCodes())
	assert.Equal(t, 1, rec.count(StateOpen, StateClosing))

	up, _ := rec.lastConnectivity()
	assert.False(t, up)

	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerStopped)
}

func TestManagerStopWithoutStart(t *testing.T) {
	m, _ := newTestManager(t, &fakeDialer{}, clock.NewMock())
	m.Stop()
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerStopped)
}

func TestManagerStopCancelsPendingDial(t *testing.T) {
	d := &fakeDialer{block: true}
	m, _ := newTestManager(t, d, clock.NewMock())

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return d.Dials() == 1 }, waitFor, tick)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop blocked on a pending dial")
	}
	assert.Equal(t, StateIdle, m.State())
}

func TestManagerFrameHandlerPanicIsolated(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, clock.NewMock())

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateOpen)

	conn := d.Last()
	conn.incoming <- []byte("boom")
	conn.incoming <- []byte(`{"flag":{"id":1,"value":1}}`)

	require.Eventually(t, func() bool { return len(rec.Frames()) == 1 }, waitFor, tick)
	assert.Equal(t, `{"flag":{"id":1,"value":1}}`, rec.Frames()[0])
	assert.Equal(t, uint64(2), m.Stats().FramesReceived)
	assert.Equal(t, StateOpen, m.State())
}

func TestManagerAgainstWebSocketServer(t *testing.T) {
	dump := make(chan []byte, 1)
	auth := make(chan string, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		dump <- msg

		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"load":{"id":1,"state":{"bri":10}}}`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Address: strings.TrimPrefix(srv.URL, "http://"), Token: validTestToken})
	rec := &recorder{}
	m, err := NewManager(ManagerConfig{
		URL:     client.WebSocketURL(),
		Header:  client.AuthHeader(),
		OnFrame: rec.onFrame,
	})
	require.NoError(t, err)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))

	select {
	case msg := <-dump:
		assert.JSONEq(t, `{"command":"dump_loads"}`, string(msg))
	case <-time.After(waitFor):
		t.Fatal("dump command never arrived")
	}
	assert.Equal(t, "Bearer "+validTestToken, <-auth)

	require.Eventually(t, func() bool { return len(rec.Frames()) == 1 }, waitFor, tick)
	waitState(t, m, StateIdle)
	assert.Equal(t, websocket.CloseNormalClosure, m.Stats().CloseCode)
}

func TestCloseDetails(t *testing.T) {
	code, reason := closeDetails(&websocket.CloseError{Code: 4001, Text: "auth"})
	assert.Equal(t, 4001, code)
	assert.Equal(t, "auth", reason)

	code, reason = closeDetails(errors.New("EOF"))
	assert.Equal(t, websocket.CloseAbnormalClosure, code)
	assert.Equal(t, "EOF", reason)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "unknown", State(42).String())
}
