package wiser

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockPublisher implements HealthPublisher for testing.
type mockPublisher struct {
	mu        sync.Mutex
	messages  []publishedMsg
	connected bool
	err       error
}

func (p *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (p *mockPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *mockPublisher) Messages() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMsg(nil), p.messages...)
}

func (p *mockPublisher) last(t *testing.T) HealthMessage {
	t.Helper()
	msgs := p.Messages()
	require.NotEmpty(t, msgs)
	var m HealthMessage
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].payload, &m))
	return m
}

func TestBridgeStatusHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     BridgeStatus
		want       HealthStatus
		wantReason string
	}{
		{
			name:       "no inventory",
			status:     BridgeStatus{Connection: Stats{State: "open"}},
			want:       HealthStarting,
			wantReason: "awaiting load inventory",
		},
		{
			name:       "stream backing off",
			status:     BridgeStatus{Ready: true, Connection: Stats{State: "backoff"}},
			want:       HealthDegraded,
			wantReason: "event stream backoff",
		},
		{
			name:   "open",
			status: BridgeStatus{Ready: true, Connection: Stats{State: "open"}},
			want:   HealthHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.status.Health()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestHealthReporterPublishesRetained(t *testing.T) {
	clk := clock.NewMock()
	pub := &mockPublisher{connected: true}
	h := NewHealthReporter(HealthReporterConfig{
		Topic:     "wiser/home/health",
		Publisher: pub,
		Clock:     clk,
		Status: func() BridgeStatus {
			return BridgeStatus{Site: "home", Ready: true, Loads: 3, Connection: Stats{State: "open"}}
		},
	})

	require.NoError(t, h.PublishStarting())
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "wiser/home/health", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, HealthStarting, pub.last(t).Status)

	clk.Add(90 * time.Second)
	require.NoError(t, h.PublishNow())

	m := pub.last(t)
	assert.Equal(t, HealthHealthy, m.Status)
	assert.Equal(t, "home", m.Site)
	assert.Equal(t, 3, m.Loads)
	assert.Equal(t, int64(90), m.UptimeSeconds)
	assert.Empty(t, m.Reason)
}

func TestHealthReporterInterval(t *testing.T) {
	clk := clock.NewMock()
	pub := &mockPublisher{connected: true}
	h := NewHealthReporter(HealthReporterConfig{Topic: "health", Publisher: pub, Clock: clk})

	h.Start(context.Background())
	require.Eventually(t, func() bool { return len(pub.Messages()) == 1 }, waitFor, tick)

	require.Eventually(t, func() bool {
		clk.Add(DefaultHealthInterval)
		return len(pub.Messages()) >= 3
	}, waitFor, tick)

	h.Stop()
	h.Stop()

	m := pub.last(t)
	assert.Equal(t, HealthStopping, m.Status)
	assert.Equal(t, "shutdown", m.Reason)
}

func TestHealthReporterSkipsWhenDisconnected(t *testing.T) {
	pub := &mockPublisher{}
	h := NewHealthReporter(HealthReporterConfig{Topic: "health", Publisher: pub})

	assert.NoError(t, h.PublishNow())
	assert.Empty(t, pub.Messages())

	nilPub := NewHealthReporter(HealthReporterConfig{Topic: "health"})
	assert.NoError(t, nilPub.PublishNow())
}

func TestHealthReporterPublishError(t *testing.T) {
	pub := &mockPublisher{connected: true, err: errors.New("broker gone")}
	h := NewHealthReporter(HealthReporterConfig{Topic: "health", Publisher: pub})

	assert.EqualError(t, h.PublishNow(), "broker gone")
}
