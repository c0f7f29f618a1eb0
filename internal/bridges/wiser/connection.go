package wiser

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Connection manager defaults.
const (
	DefaultPingInterval    = 30 * time.Second
	DefaultPongTimeout     = 31 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultOutageDelay     = 5 * time.Minute
	DefaultOutageThreshold = 3

	defaultWriteTimeout = 10 * time.Second
	defaultFrameQueue   = 64
	eventQueue          = 16
)

// State is the lifecycle state of the gateway event session.
type State int32

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ManagerConfig configures a Manager. Zero durations take the defaults above.
type ManagerConfig struct {
	URL    string
	Header http.Header

	// Dialer defaults to GorillaDialer with a 10s handshake timeout.
	Dialer Dialer

	// Clock drives every timer. Defaults to the wall clock.
	Clock clock.Clock

	// OnFrame receives each inbound text frame on the dispatcher goroutine.
	OnFrame func([]byte)

	// OnConnectivity is called with true on entering Open and false on leaving it.
	OnConnectivity func(bool)

	// OnStateChange observes every transition. Called on the control loop.
	OnStateChange func(from, to State)

	PingInterval    time.Duration
	PongTimeout     time.Duration
	ReconnectDelay  time.Duration
	OutageDelay     time.Duration
	OutageThreshold int
	WriteTimeout    time.Duration
	FrameQueue      int
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	State               string    `json:"state"`
	Reconnects          int       `json:"reconnects"`
	FramesReceived      uint64    `json:"frames_received"`
	Pings               int       `json:"pings"`
	LastPongAt          time.Time `json:"last_pong_at,omitzero"`
	CloseCode           int       `json:"close_code,omitempty"`
	CloseReason         string    `json:"close_reason,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type eventKind int

const (
	evConnect eventKind = iota
	evReconnect
	evDialed
	evPingDue
	evPong
	evWatchdog
	evClosed
)

// event is the only way anything outside the control loop touches session state.
type event struct {
	kind   eventKind
	gen    uint64
	seq    uint64
	conn   Conn
	err    error
	code   int
	reason string
}

// Manager owns the WebSocket session with the gateway.
//
// All transitions run on a single control-loop goroutine. The reader,
// dialer and timer callbacks only post events to it, and every event
// carries the session generation (and timer sequence) it belongs to so
// late arrivals from a torn-down session are discarded.
type Manager struct {
	cfg     ManagerConfig
	logger  Logger
	metrics Metrics

	events   chan event
	frames   chan []byte
	done     chan struct{}
	loopDone chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	wg        sync.WaitGroup

	state atomic.Int32

	// Owned by the control loop.
	gen        uint64
	conn       Conn
	timers     sessionTimers
	dialCancel context.CancelFunc
	failures   int

	statsMu sync.Mutex
	stats   Stats
}

// NewManager validates cfg and returns an idle manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("wiser: websocket url is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{HandshakeTimeout: defaultRequestTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.OutageDelay <= 0 {
		cfg.OutageDelay = DefaultOutageDelay
	}
	if cfg.OutageThreshold <= 0 {
		cfg.OutageThreshold = DefaultOutageThreshold
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = defaultFrameQueue
	}

	return &Manager{
		cfg:      cfg,
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		events:   make(chan event, eventQueue),
		frames:   make(chan []byte, cfg.FrameQueue),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		timers:   sessionTimers{clock: cfg.Clock},
	}, nil
}

// SetLogger sets the logger. Call before Start.
func (m *Manager) SetLogger(l Logger) {
	if l != nil {
		m.logger = l
	}
}

// SetMetrics sets the metrics sink. Call before Start.
func (m *Manager) SetMetrics(mt Metrics) {
	if mt != nil {
		m.metrics = mt
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns a snapshot of the session counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s := m.stats
	s.State = m.State().String()
	return s
}

// Start launches the control loop and begins connecting. Once the loop
// runs, Start reconnects an Idle manager (after a normal close) and is
// otherwise ignored; ctx only applies to the first call. Calling it after
// Stop returns ErrManagerStopped.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrManagerStopped
	}

	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.dispatch()
		go m.loop(ctx)
	})
	if !m.post(event{kind: evConnect}) {
		return ErrManagerStopped
	}
	return nil
}

// Stop closes the session with code 1000, cancels every timer and the
// pending dial, and waits for all goroutines to exit. Safe to call
// multiple times and without Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.done)
		m.startOnce.Do(func() { close(m.loopDone) })
		<-m.loopDone
		m.wg.Wait()
	})
}

// post hands an event to the control loop. It returns false once the
// loop has exited.
func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.loopDone:
		return false
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.loopDone)
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	state := m.State()

	switch ev.kind {
	case evConnect:
		if state == StateIdle {
			m.connect(ctx)
		}

	case evReconnect:
		if state != StateBackoff || ev.seq != m.timers.backoffSeq {
			return
		}
		m.timers.backoff, m.timers.backoffSeq = nil, 0
		m.connect(ctx)

	case evDialed:
		m.onDialed(ev)

	case evPingDue:
		if state != StateOpen || ev.gen != m.gen || ev.seq != m.timers.pingSeq {
			return
		}
		m.timers.ping, m.timers.pingSeq = nil, 0
		m.ping()

	case evPong:
		if state != StateOpen || ev.gen != m.gen {
			return
		}
		stopTimer(&m.timers.watchdog)
		m.timers.watchdogSeq = 0
		m.failures = 0
		m.statsMu.Lock()
		m.stats.LastPongAt = m.cfg.Clock.Now()
		m.stats.ConsecutiveFailures = 0
		m.statsMu.Unlock()

	case evWatchdog:
		if state != StateOpen || ev.gen != m.gen || ev.seq != m.timers.watchdogSeq {
			return
		}
		m.logger.Warn("gateway heartbeat lost, closing session", "pong_timeout", m.cfg.PongTimeout)
		m.metrics.Incr("ws.heartbeat_timeout")
		m.fail(websocket.CloseAbnormalClosure, "pong timeout")

	case evClosed:
		if state != StateOpen || ev.gen != m.gen {
			return
		}
		m.recordClose(ev.code, ev.reason)
		m.teardown(false)
		if ev.code == websocket.CloseNormalClosure {
			m.logger.Info("gateway closed session normally")
			m.setState(StateIdle)
			return
		}
		m.logger.Warn("gateway session closed", "code", ev.code, "reason", ev.reason)
		m.enterBackoff()
	}
}

// connect starts a dial for a new session generation.
func (m *Manager) connect(ctx context.Context) {
	m.gen++
	gen := m.gen
	m.setState(StateConnecting)

	dctx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		conn, err := m.cfg.Dialer.Dial(dctx, m.cfg.URL, m.cfg.Header)
		if !m.post(event{kind: evDialed, gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) onDialed(ev event) {
	if ev.gen != m.gen || m.State() != StateConnecting {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	if ev.err != nil {
		m.logger.Warn("gateway websocket dial failed", "error", ev.err)
		m.metrics.Incr("ws.dial_failed")
		m.recordClose(0, ev.err.Error())
		m.enterBackoff()
		return
	}

	conn := ev.conn
	gen := m.gen
	conn.SetPongHandler(func(string) error {
		m.post(event{kind: evPong, gen: gen})
		return nil
	})

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, dumpLoadsCommand); err != nil {
		m.logger.Warn("requesting load dump failed", "error", err)
		_ = conn.Close()
		m.recordClose(websocket.CloseAbnormalClosure, err.Error())
		m.enterBackoff()
		return
	}

	m.conn = conn
	if !m.ping() {
		return
	}

	m.wg.Add(1)
	go m.read(conn, gen)

	m.logger.Info("gateway session open", "url", m.cfg.URL)
	m.setState(StateOpen)
}

// ping sends a heartbeat and re-arms the ping timer. The watchdog is armed
// only when none is pending, so an unanswered ping is never extended by a
// later one.
func (m *Manager) ping() bool {
	deadline := time.Now().Add(m.cfg.WriteTimeout)
	if err := m.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		m.logger.Warn("sending ping failed", "error", err)
		m.fail(websocket.CloseAbnormalClosure, "ping failed: "+err.Error())
		return false
	}

	gen := m.gen
	if m.timers.watchdog == nil {
		m.timers.arm(&m.timers.watchdog, &m.timers.watchdogSeq, m.cfg.PongTimeout, func(seq uint64) {
			m.post(event{kind: evWatchdog, gen: gen, seq: seq})
		})
	}
	m.timers.arm(&m.timers.ping, &m.timers.pingSeq, m.cfg.PingInterval, func(seq uint64) {
		m.post(event{kind: evPingDue, gen: gen, seq: seq})
	})

	m.statsMu.Lock()
	m.stats.Pings++
	m.statsMu.Unlock()
	return true
}

// fail force-closes the current session and schedules a reconnect.
func (m *Manager) fail(code int, reason string) {
	m.recordClose(code, reason)
	m.teardown(false)
	m.enterBackoff()
}

// teardown cancels the session timers and closes the transport.
func (m *Manager) teardown(sendClose bool) {
	m.timers.stopSession()
	if m.conn == nil {
		return
	}
	if sendClose {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout))
	}
	_ = m.conn.Close()
	m.conn = nil
}

func (m *Manager) enterBackoff() {
	m.failures++
	delay := m.cfg.ReconnectDelay
	if m.failures > m.cfg.OutageThreshold {
		delay = m.cfg.OutageDelay
	}

	m.timers.arm(&m.timers.backoff, &m.timers.backoffSeq, delay, func(seq uint64) {
		m.post(event{kind: evReconnect, seq: seq})
	})

	m.statsMu.Lock()
	m.stats.Reconnects++
	m.stats.ConsecutiveFailures = m.failures
	m.statsMu.Unlock()

	m.metrics.Incr("ws.reconnect_scheduled")
	m.logger.Info("gateway reconnect scheduled", "delay", delay, "failures", m.failures)
	m.setState(StateBackoff)
}

// shutdown runs on the control loop as it exits.
func (m *Manager) shutdown() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.timers.stopAll()
	if m.conn != nil {
		m.setState(StateClosing)
		m.teardown(true)
		m.recordClose(websocket.CloseNormalClosure, "shutdown")
	}
	m.setState(StateIdle)
}

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.logger.Debug("gateway session state", "from", from.String(), "to", to.String())
	m.metrics.Gauge("ws.state", float64(to))

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(from, to)
	}
	if m.cfg.OnConnectivity != nil {
		switch {
		case to == StateOpen:
			m.cfg.OnConnectivity(true)
		case from == StateOpen:
			m.cfg.OnConnectivity(false)
		}
	}
}

func (m *Manager) recordClose(code int, reason string) {
	m.statsMu.Lock()
	m.stats.CloseCode = code
	m.stats.CloseReason = reason
	m.statsMu.Unlock()
}

// read pumps frames from one session until the transport fails.
func (m *Manager) read(conn Conn, gen uint64) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			m.post(event{kind: evClosed, gen: gen, code: code, reason: reason, err: err})
			return
		}
		select {
		case m.frames <- data:
		case <-m.loopDone:
			return
		}
	}
}

// dispatch delivers queued frames to OnFrame in arrival order.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case data := <-m.frames:
			m.deliver(data)
		}
	}
}

func (m *Manager) deliver(data []byte) {
	m.statsMu.Lock()
	m.stats.FramesReceived++
	m.statsMu.Unlock()

	if m.cfg.OnFrame == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("frame handler panicked", "panic", r)
			m.metrics.Incr("ws.frame_panic")
		}
	}()
	m.cfg.OnFrame(data)
}
