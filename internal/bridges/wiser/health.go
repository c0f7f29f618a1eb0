package wiser

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultHealthInterval is how often health is published.
const DefaultHealthInterval = 30 * time.Second

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy: inventory loaded and event stream open.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded: running, but the event stream is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting: waiting for the first load inventory.
	HealthStarting HealthStatus = "starting"

	// HealthStopping is published once during shutdown.
	HealthStopping HealthStatus = "stopping"
)

// BridgeStatus is a point-in-time view of the bridge.
type BridgeStatus struct {
	Site          string      `json:"site"`
	Version       string      `json:"version"`
	Ready         bool        `json:"ready"`
	Loads         int         `json:"loads"`
	Gateway       GatewayInfo `json:"gateway"`
	LastBootstrap time.Time   `json:"last_bootstrap,omitzero"`
	Connection    Stats       `json:"connection"`
}

// Health evaluates the status into a health level and reason.
func (s BridgeStatus) Health() (HealthStatus, string) {
	if !s.Ready {
		return HealthStarting, "awaiting load inventory"
	}
	if s.Connection.State != StateOpen.String() {
		return HealthDegraded, "event stream " + s.Connection.State
	}
	return HealthHealthy, ""
}

// HealthMessage is the retained health payload.
// QoS: 1, Retained: yes.
type HealthMessage struct {
	BridgeStatus
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Reason        string       `json:"reason,omitempty"`
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Topic receives the health messages.
	Topic string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	// Publisher may be nil, in which case nothing is published.
	Publisher HealthPublisher

	// Status supplies the bridge snapshot.
	Status func() BridgeStatus

	Clock clock.Clock
}

// HealthReporter periodically publishes the bridge health.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Status == nil {
		cfg.Status = func() BridgeStatus { return BridgeStatus{} }
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: cfg.Clock.Now(),
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best effort during shutdown
		h.publish(HealthStopping, "shutdown")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.cfg.Status().Health()
	return h.publish(status, reason)
}

// Message builds the health message for status.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	now := h.cfg.Clock.Now()
	return HealthMessage{
		BridgeStatus:  h.cfg.Status(),
		Timestamp:     now.UTC(),
		Status:        status,
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Reason:        reason,
	}
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := h.cfg.Clock.Ticker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()
	logger.Error(msg, "error", err)
}
