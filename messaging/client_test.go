package messaging

import (
	"context"
	"testing"
	"time"

	"pickedge/config"
)

func TestConnectUnreachableBrokerReturns(t *testing.T) {
	cfg := &config.MessagingConfig{
		Transport: "mqtt",
		MQTT: config.MQTTConfig{
			Broker:         "127.0.0.1",
			Port:           1,
			ConnectTimeout: 300 * time.Millisecond,
		},
	}
	c := NewClient(cfg, "pickedge-test", "pickedge-test")

	start := time.Now()
	err := c.Connect()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("connect blocked for %v", elapsed)
	}
	if err == nil {
		t.Fatal("expected connect error for unreachable broker")
	}
	if c.IsConnected() {
		t.Error("client reports connected")
	}

	// Recorded for the next successful connect.
	if err := c.Subscribe("pickedge/dispatch", func([]byte) {}); err != nil {
		t.Errorf("subscribe while disconnected: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Publish(ctx, "pickedge/confirmations", []byte("{}")); err == nil {
		t.Error("publish should fail while disconnected")
	}

	start = time.Now()
	c.Close()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("close blocked for %v", elapsed)
	}
}

func TestConnectUnknownTransport(t *testing.T) {
	c := NewClient(&config.MessagingConfig{Transport: "carrier-pigeon"}, "a", "b")
	if err := c.Connect(); err == nil {
		t.Error("expected error for unknown transport")
	}
}
