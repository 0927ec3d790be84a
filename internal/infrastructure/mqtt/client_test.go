package mqtt

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/v900-core/internal/infrastructure/config"
)

// testConfig returns an MQTT configuration pointing at a local broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "v900-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker, skipping the test when none
// is listening.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	conn, err := net.DialTimeout("tcp", brokerURL(cfg)[len("tcp://"):], 200*time.Millisecond)
	if err != nil {
		t.Skipf("no MQTT broker at %s:%d", cfg.Broker.Host, cfg.Broker.Port)
	}
	conn.Close()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect(t *testing.T) {
	client := connectOrSkip(t, "v900-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := connectOrSkip(t, "v900-test-health")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := connectOrSkip(t, "v900-test-validate")

	if err := client.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Publish("v900/test", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3 error = %v", err)
	}
	if err := client.Subscribe("v900/test", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
}

func TestPublishDisconnected(t *testing.T) {
	client := connectOrSkip(t, "v900-test-disconnected")
	client.Close()

	if err := client.PublishEvent("v900/test", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectOrSkip(t, "v900-test-roundtrip")

	got := make(chan string, 1)
	err := client.Subscribe(Topics{}.AllDeviceCommands(), 1, func(topic string, payload []byte) error {
		id, _ := ParseDeviceCommandTopic(topic)
		got <- id + ":" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}

	if err := client.PublishEvent(Topics{}.DeviceCommand("esp01"), []byte(`{"relay":"r1"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-got:
		if msg != `esp01:{"relay":"r1"}` {
			t.Errorf("received %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}
