package wiser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nerrad567/wiser-sync/internal/infrastructure/config"
	"github.com/nerrad567/wiser-sync/internal/state"
)

// Bridge operation constants.
const (
	// DefaultRSSIInterval is how often signal strength is polled between refreshes.
	DefaultRSSIInterval = 5 * time.Minute

	// frameWriteTimeout bounds the state writes of one inbound frame.
	frameWriteTimeout = 5 * time.Second

	// storeTimeout bounds connectivity and poll writes.
	storeTimeout = 10 * time.Second
)

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Gateway is the REST client. Required.
	Gateway Gateway

	// EventURL and EventHeader address the gateway event stream.
	EventURL    string
	EventHeader http.Header

	// Store is the host data model. Required.
	Store StateStore

	// Timings overrides the default intervals. Zero values keep the defaults.
	Timings         config.GatewayDurations
	OutageThreshold int

	// Dialer and Clock are replaced in tests.
	Dialer Dialer
	Clock  clock.Clock

	// Health publishes retained health messages to HealthTopic (optional).
	Health      HealthPublisher
	HealthTopic string

	Site    string
	Version string

	Logger  Logger
	Metrics Metrics

	// OnSignal receives signal strength readings (optional).
	OnSignal func(dbm int, at time.Time)
}

// Bridge synchronises one gateway with the host state store.
//
// Inventory and metadata come from the bootstrap sequence over REST.
// Live load and flag state arrives over the event stream once the first
// inventory is installed. User writes on actionable states are turned into
// gateway commands by HandleCommand.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	gateway    Gateway
	store      StateStore
	clock      clock.Clock
	registry   *Registry
	translator *Translator
	manager    *Manager
	bootstrap  *Bootstrap
	health     *HealthReporter

	site         string
	version      string
	rssiInterval time.Duration

	// streaming is set once the event stream has been started.
	streaming atomic.Bool

	logger  Logger
	metrics Metrics

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Gateway == nil {
		return nil, errors.New("wiser: gateway client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("wiser: state store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Dialer == nil && opts.Timings.Handshake > 0 {
		opts.Dialer = GorillaDialer{HandshakeTimeout: opts.Timings.Handshake}
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		gateway:      opts.Gateway,
		store:        opts.Store,
		clock:        opts.Clock,
		registry:     NewRegistry(),
		site:         opts.Site,
		version:      opts.Version,
		rssiInterval: opts.Timings.RSSI,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		done:         make(chan struct{}),
		ctx:          ctx,
		ctxCancel:    cancel,
	}
	if b.rssiInterval <= 0 {
		b.rssiInterval = DefaultRSSIInterval
	}

	b.translator = NewTranslator(b.registry, opts.Store)
	b.translator.SetLogger(opts.Logger)
	b.translator.SetMetrics(opts.Metrics)

	var err error
	b.bootstrap, err = NewBootstrap(BootstrapConfig{
		Gateway:         opts.Gateway,
		Registry:        b.registry,
		Store:           opts.Store,
		Clock:           opts.Clock,
		RetryInterval:   opts.Timings.Retry,
		RefreshInterval: opts.Timings.Refresh,
		OnSignal:        opts.OnSignal,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	b.bootstrap.SetLogger(opts.Logger)
	b.bootstrap.SetMetrics(opts.Metrics)

	b.manager, err = NewManager(ManagerConfig{
		URL:             opts.EventURL,
		Header:          opts.EventHeader,
		Dialer:          opts.Dialer,
		Clock:           opts.Clock,
		OnFrame:         b.handleFrame,
		OnConnectivity:  b.handleConnectivity,
		PingInterval:    opts.Timings.Ping,
		PongTimeout:     opts.Timings.Pong,
		ReconnectDelay:  opts.Timings.Reconnect,
		OutageDelay:     opts.Timings.Outage,
		OutageThreshold: opts.OutageThreshold,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	b.manager.SetLogger(opts.Logger)
	b.manager.SetMetrics(opts.Metrics)

	b.health = NewHealthReporter(HealthReporterConfig{
		Topic:     opts.HealthTopic,
		Interval:  opts.Timings.Health,
		Publisher: opts.Health,
		Status:    b.Status,
		Clock:     opts.Clock,
	})
	b.health.SetLogger(opts.Logger)

	return b, nil
}

// Start creates the base objects and launches the bootstrap sequence, the
// event stream (once the first inventory is in) and the signal poller.
// Cancelling ctx has the same effect as Stop, minus the wait.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.bootstrap.EnsureBase(ctx); err != nil {
		return fmt.Errorf("creating gateway objects: %w", err)
	}
	b.handleConnectivity(false)

	context.AfterFunc(ctx, b.ctxCancel)

	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		b.bootstrap.Run(b.ctx)
	}()
	go b.connectWhenReady()
	go b.pollSignal()

	b.health.Start(b.ctx)

	b.logger.Info("bridge started", "site", b.site)
	return nil
}

// Stop closes the event stream and waits for every goroutine.
// Safe to call multiple times and without Start.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		b.manager.Stop()
		b.health.Stop()
		b.wg.Wait()

		b.handleConnectivity(false)
		b.logger.Info("bridge stopped")
	})
}

// Registry returns the live load registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// Ready is closed once the first inventory is installed.
func (b *Bridge) Ready() <-chan struct{} { return b.bootstrap.Ready() }

// Refresh runs one bootstrap pass immediately. An event stream left idle
// by a normal close is reopened.
func (b *Bridge) Refresh(ctx context.Context) PassResult {
	res := b.bootstrap.RunOnce(ctx)
	if b.streaming.Load() && b.manager.State() == StateIdle {
		if err := b.manager.Start(b.ctx); err != nil && !errors.Is(err, ErrManagerStopped) {
			b.logger.Error("failed to restart event stream", "error", err)
		}
	}
	return res
}

// Status returns a snapshot of the bridge.
func (b *Bridge) Status() BridgeStatus {
	return BridgeStatus{
		Site:          b.site,
		Version:       b.version,
		Ready:         b.bootstrap.IsReady(),
		Loads:         b.registry.Len(),
		Gateway:       b.bootstrap.Info(),
		LastBootstrap: b.bootstrap.LastPass(),
		Connection:    b.manager.Stats(),
	}
}

// HandleCommand turns a user write on state id into a gateway command.
// It has the signature of state.CommandHandler. Every attempt that names a
// load is recorded in the command log.
func (b *Bridge) HandleCommand(ctx context.Context, id string, value any) error {
	path, err := ParseStatePath(id)
	if err != nil {
		return err
	}

	cmd, err := b.translator.TranslateCommand(ctx, path, value)
	if err != nil {
		b.logger.Warn("command rejected", "path", id, "error", err)
		b.metrics.Incr("command.rejected")
		b.logCommand(ctx, state.CommandRecord{
			ID:      uuid.NewString(),
			Path:    id,
			LoadID:  path.LoadID,
			Outcome: state.OutcomeRejected,
			Error:   err.Error(),
		})
		return err
	}

	sendErr := b.gateway.SetTargetState(ctx, cmd.LoadID, cmd.Payload)

	payload, _ := json.Marshal(cmd.Payload) //nolint:errchkjson // plain ints
	rec := state.CommandRecord{
		ID:      cmd.ID,
		Path:    id,
		LoadID:  cmd.LoadID,
		Payload: payload,
		Outcome: state.OutcomeSent,
	}
	if sendErr != nil {
		rec.Outcome = state.OutcomeFailed
		rec.Error = sendErr.Error()
		b.logger.Error("command failed", "command_id", cmd.ID, "path", id, "load_id", cmd.LoadID, "error", sendErr)
		b.metrics.Incr("command.failed")
	} else {
		b.logger.Info("command sent", "command_id", cmd.ID, "path", id, "load_id", cmd.LoadID)
		b.metrics.Incr("command.sent")
	}
	b.logCommand(ctx, rec)
	return sendErr
}

func (b *Bridge) logCommand(ctx context.Context, rec state.CommandRecord) {
	if err := b.store.LogCommand(context.WithoutCancel(ctx), rec); err != nil {
		b.logger.Warn("failed to log command", "command_id", rec.ID, "error", err)
	}
}

// handleFrame runs on the manager's dispatcher goroutine.
func (b *Bridge) handleFrame(raw []byte) {
	writes, err := b.translator.TranslateEvent(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownLoad) {
			b.logger.Warn("event for unknown load dropped", "error", err)
			b.metrics.Incr("frame.unknown_load")
			return
		}
		b.logger.Warn("undecodable frame dropped", "error", err)
		b.metrics.Incr("frame.malformed")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, frameWriteTimeout)
	defer cancel()
	for _, w := range writes {
		if err := b.store.Set(ctx, w.ID, w.Value, w.Ack); err != nil {
			b.logger.Debug("state write failed", "id", w.ID, "error", err)
			b.metrics.Incr("frame.write_failed")
		}
	}
}

func (b *Bridge) handleConnectivity(up bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := b.store.Set(ctx, PathConnection, up, true); err != nil {
		b.logger.Warn("failed to record connectivity", "connected", up, "error", err)
	}
	if up {
		b.metrics.Gauge("gateway.connected", 1)
	} else {
		b.metrics.Gauge("gateway.connected", 0)
	}
}

// waitReady blocks until the first inventory or shutdown. Reports whether ready.
func (b *Bridge) waitReady() bool {
	select {
	case <-b.bootstrap.Ready():
		return true
	case <-b.done:
	case <-b.ctx.Done():
	}
	return false
}

func (b *Bridge) connectWhenReady() {
	defer b.wg.Done()
	if !b.waitReady() {
		return
	}
	if err := b.manager.Start(b.ctx); err != nil {
		if !errors.Is(err, ErrManagerStopped) {
			b.logger.Error("failed to start event stream", "error", err)
		}
		return
	}
	b.streaming.Store(true)
}

func (b *Bridge) pollSignal() {
	defer b.wg.Done()
	if !b.waitReady() {
		return
	}

	ticker := b.clock.Ticker(b.rssiInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
			if err := b.bootstrap.PollSignal(ctx); err != nil {
				b.logger.Warn("signal strength poll failed", "error", err)
			}
			cancel()
		}
	}
}
