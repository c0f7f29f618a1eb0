package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/wiser-sync/internal/infrastructure/mqtt"
)

const setTimeout = 15 * time.Second

// Publisher is the subset of *mqtt.Client the mirror uses.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// MQTTMirror publishes every stored value as a retained message and turns
// messages on the set topics into user writes.
type MQTTMirror struct {
	store  *Store
	pub    Publisher
	topics mqtt.Topics
	qos    byte
	logger Logger
}

// statePayload is the retained message body of a state topic.
type statePayload struct {
	Val any   `json:"val"`
	Ack bool  `json:"ack"`
	TS  int64 `json:"ts"`
}

// NewMQTTMirror creates a mirror of store on pub.
func NewMQTTMirror(store *Store, pub Publisher, topics mqtt.Topics, qos byte) *MQTTMirror {
	return &MQTTMirror{
		store:  store,
		pub:    pub,
		topics: topics,
		qos:    qos,
		logger: noopLogger{},
	}
}

// SetLogger sets the mirror logger.
func (m *MQTTMirror) SetLogger(l Logger) {
	if l != nil {
		m.logger = l
	}
}

// Start subscribes to the set topics and attaches the mirror to the store.
func (m *MQTTMirror) Start() error {
	if err := m.pub.Subscribe(m.topics.SetSubscribe(), m.qos, m.handleSet); err != nil {
		return fmt.Errorf("subscribing to %s: %w", m.topics.SetSubscribe(), err)
	}
	m.store.AddMirror(m)
	m.logger.Info("state mirror started", "subscribe", m.topics.SetSubscribe())
	return nil
}

// PublishState implements Mirror. Values are dropped while the broker is unreachable.
func (m *MQTTMirror) PublishState(v Value) {
	if !m.pub.IsConnected() {
		return
	}
	payload, err := json.Marshal(statePayload{Val: v.Val, Ack: v.Ack, TS: v.UpdatedAt.UnixMilli()})
	if err != nil {
		m.logger.Warn("encoding state for mqtt failed", "id", v.ID, "error", err)
		return
	}
	if err := m.pub.Publish(m.topics.State(v.ID), payload, m.qos, true); err != nil {
		m.logger.Warn("publishing state failed", "id", v.ID, "error", err)
	}
}

// Resync republishes every stored value, e.g. after a broker reconnect.
func (m *MQTTMirror) Resync(ctx context.Context) error {
	values, err := m.store.List(ctx, "")
	if err != nil {
		return err
	}
	for _, v := range values {
		m.PublishState(v)
	}
	return nil
}

func (m *MQTTMirror) handleSet(topic string, payload []byte) error {
	id, ok := m.topics.StateID(topic)
	if !ok {
		return fmt.Errorf("unexpected set topic %q", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()

	err := m.store.Write(ctx, id, parseSetPayload(payload))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownObject), errors.Is(err, ErrNotWritable):
		m.logger.Warn("mqtt write rejected", "id", id, "error", err)
		return nil
	default:
		return fmt.Errorf("writing %s: %w", id, err)
	}
}

// parseSetPayload accepts a bare JSON value, an object {"val": ...}, or
// plain text.
func parseSetPayload(payload []byte) any {
	trimmed := bytes.TrimSpace(payload)

	var wrapped struct {
		Val *json.RawMessage `json:"val"`
	}
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &wrapped); err == nil && wrapped.Val != nil {
			trimmed = *wrapped.Val
		}
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed)
	}
	return v
}
