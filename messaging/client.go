package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pickedge/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"
)

// Client is the unified messaging client (MQTT or Kafka).
type Client struct {
	mu        sync.RWMutex
	cfg       *config.MessagingConfig
	transport string
	clientID  string
	groupID   string
	mqttConn  mqtt.Client
	kafkaW    *kafkago.Writer
	kafkaR    *kafkago.Reader
	cancel    context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]func(payload []byte)
}

// NewClient creates a messaging client based on config. clientID names the MQTT
// session and groupID the Kafka consumer group.
func NewClient(cfg *config.MessagingConfig, clientID, groupID string) *Client {
	return &Client{
		cfg:       cfg,
		transport: cfg.Transport,
		clientID:  clientID,
		groupID:   groupID,
		subs:      make(map[string]func(payload []byte)),
	}
}

// Connect establishes the messaging connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.transport {
	case "mqtt":
		return c.connectMQTT()
	case "kafka":
		return c.connectKafka()
	default:
		return fmt.Errorf("unknown messaging transport: %s", c.transport)
	}
}

// connectMQTT waits at most MQTT.ConnectTimeout for the first connection. On
// timeout the client keeps retrying in the background and the returned error
// only reports that the broker is not reachable yet.
func (c *Client) connectMQTT() error {
	broker := fmt.Sprintf("tcp://%s:%d", c.cfg.MQTT.Broker, c.cfg.MQTT.Port)
	timeout := c.cfg.MQTT.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("messaging: mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	c.mqttConn = client
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect: broker %s not reachable after %s, retrying in background", broker, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// resubscribe runs on every (re)connect and restores the recorded subscriptions.
func (c *Client) resubscribe(client mqtt.Client) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for topic, handler := range c.subs {
		if err := subscribeMQTT(client, topic, handler); err != nil {
			log.Printf("messaging: mqtt subscribe %s: %v", topic, err)
			continue
		}
		log.Printf("messaging: subscribed to %s", topic)
	}
}

func subscribeMQTT(client mqtt.Client, topic string, handler func(payload []byte)) error {
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe timed out")
	}
	return token.Error()
}

func (c *Client) connectKafka() error {
	c.kafkaW = &kafkago.Writer{
		Addr:         kafkago.TCP(c.cfg.Kafka.Brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return nil
}

// Publish sends a message to topic. MQTT publishes use QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.transport {
	case "mqtt":
		if c.mqttConn == nil || !c.mqttConn.IsConnected() {
			return fmt.Errorf("mqtt not connected")
		}
		token := c.mqttConn.Publish(topic, 1, false, payload)
		select {
		case <-token.Done():
			return token.Error()
		case <-ctx.Done():
			return ctx.Err()
		}
	case "kafka":
		if c.kafkaW == nil {
			return fmt.Errorf("kafka writer not initialized")
		}
		return c.kafkaW.WriteMessages(ctx, kafkago.Message{
			Topic: topic,
			Key:   []byte(c.clientID),
			Value: payload,
		})
	default:
		return fmt.Errorf("unknown transport: %s", c.transport)
	}
}

// Subscribe registers a handler for messages on topic. MQTT subscriptions
// made while disconnected are applied on the next successful connect.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.transport {
	case "mqtt":
		c.subsMu.Lock()
		c.subs[topic] = handler
		c.subsMu.Unlock()
		if c.mqttConn == nil || !c.mqttConn.IsConnected() {
			// applied by resubscribe once the broker is reachable
			return nil
		}
		return subscribeMQTT(c.mqttConn, topic, handler)
	case "kafka":
		c.kafkaR = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: c.cfg.Kafka.Brokers,
			Topic:   topic,
			GroupID: c.groupID,
		})
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go func(r *kafkago.Reader) {
			for {
				msg, err := r.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("messaging: kafka read: %v", err)
					}
					return
				}
				handler(msg.Value)
			}
		}(c.kafkaR)
		return nil
	default:
		return fmt.Errorf("unknown transport: %s", c.transport)
	}
}

// IsConnected returns whether the messaging client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.transport {
	case "mqtt":
		return c.mqttConn != nil && c.mqttConn.IsConnected()
	case "kafka":
		return c.kafkaW != nil
	default:
		return false
	}
}

// Close shuts down the messaging connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.mqttConn != nil {
		c.mqttConn.Disconnect(1000)
		c.mqttConn = nil
	}
	if c.kafkaW != nil {
		c.kafkaW.Close()
		c.kafkaW = nil
	}
	if c.kafkaR != nil {
		c.kafkaR.Close()
		c.kafkaR = nil
	}
}
