package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/wiser-sync/internal/infrastructure/config"
)

const testBroker = "127.0.0.1:1883"

// testConfig returns a configuration for the local test broker.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:     true,
		TopicPrefix: "wiser-test",
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// requireBroker skips the test when no broker listens on testBroker.
func requireBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", testBroker, 200*time.Millisecond)
	if err != nil {
		t.Skipf("no MQTT broker at %s: %v", testBroker, err)
	}
	conn.Close()
}

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	requireBroker(t)

	client, err := Connect(testConfig(clientID), NewTopics("wiser-test", "site1"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTopics(t *testing.T) {
	topics := NewTopics("wiser", "home")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"State", topics.State("A1.A1_7.ACTIONS.BRI"), "wiser/home/state/A1.A1_7.ACTIONS.BRI"},
		{"Set", topics.Set("A1.A1_7.ACTIONS.BRI"), "wiser/home/set/A1.A1_7.ACTIONS.BRI"},
		{"SetSubscribe", topics.SetSubscribe(), "wiser/home/set/#"},
		{"Health", topics.Health(), "wiser/home/health"},
		{"Status", topics.Status(), "wiser/home/status"},
		{"DefaultPrefix", NewTopics("", "home").Health(), "wiser/home/health"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopicsStateID(t *testing.T) {
	topics := NewTopics("wiser", "home")

	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"wiser/home/set/A1.A1_7.ACTIONS.BRI", "A1.A1_7.ACTIONS.BRI", true},
		{"wiser/home/set/", "", false},
		{"wiser/other/set/A1.A1_7.ACTIONS.BRI", "", false},
		{"wiser/home/state/A1.A1_7.ACTIONS.BRI", "", false},
		{"wiser/home/set/A1/A1_7", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := topics.StateID(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("StateID(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	plain := brokerURL(config.MQTTBrokerConfig{Host: "broker", Port: 1883})
	if plain != "tcp://broker:1883" {
		t.Errorf("brokerURL() = %q", plain)
	}
	secure := brokerURL(config.MQTTBrokerConfig{Host: "broker", Port: 8883, TLS: true})
	if secure != "ssl://broker:8883" {
		t.Errorf("brokerURL(tls) = %q", secure)
	}
}

func TestStatusPayload(t *testing.T) {
	var msg statusMessage
	if err := json.Unmarshal(statusPayload("wisersync", "offline", "unexpected_disconnect"), &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg.Status != "offline" || msg.ClientID != "wisersync" || msg.Reason != "unexpected_disconnect" {
		t.Errorf("unexpected status message: %+v", msg)
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", msg.Timestamp, err)
	}
}

func TestDisconnectedClient(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if c.IsConnected() {
		t.Error("IsConnected() = true for an unconnected client")
	}
	if err := c.Publish("a/b", nil, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("a/b", 1, func(string, []byte) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.Publish("", nil, 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v", err)
	}
	if err := c.Publish("a", nil, 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3: error = %v", err)
	}
	if err := c.Publish("a", make([]byte, maxPayloadSize+1), 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversize payload: error = %v", err)
	}
	if err := c.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: error = %v", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty unsubscribe: error = %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	cfg := testConfig("wisersync-refused")
	cfg.Broker.Port = 19998
	cfg.Reconnect.InitialDelay = 0

	_, err := Connect(cfg, NewTopics("wiser-test", "site1"))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectTest(t, "wisersync-roundtrip")
	topics := client.Topics()

	received := make(chan string, 1)
	err := client.Subscribe(topics.SetSubscribe(), 1, func(topic string, payload []byte) error {
		id, ok := topics.StateID(topic)
		if !ok {
			return errors.New("unexpected topic")
		}
		received <- id + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(topics.SetSubscribe()) || client.SubscriptionCount() != 1 {
		t.Fatal("subscription not tracked")
	}

	if err := client.Publish(topics.Set("A1.A1_7.ACTIONS.BRI"), []byte("5000"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "A1.A1_7.ACTIONS.BRI=5000" {
			t.Errorf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe(topics.SetSubscribe()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Error("subscription still tracked after Unsubscribe")
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	client := connectTest(t, "wisersync-panic")
	topic := "wiser-test/site1/set/panic"

	called := make(chan struct{}, 2)
	err := client.Subscribe(topic, 1, func(string, []byte) error {
		called <- struct{}{}
		panic("handler panic")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for range 2 {
		if err := client.Publish(topic, []byte("1"), 1, false); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	for range 2 {
		select {
		case <-called:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called after an earlier panic")
		}
	}
}
