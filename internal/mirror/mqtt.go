// MQTT transport.

package mirror

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/maruel/ksid"
)

// MQTTTransport is a Transport on an MQTT broker.
//
// It connects in the background and reconnects automatically; subscriptions
// are renewed on every connection.
type MQTTTransport struct {
	client mqtt.Client

	mu   sync.Mutex
	subs []mqttSubscription
}

type mqttSubscription struct {
	topics []string
	fn     func(topic string)
}

// DialMQTT starts connecting to the broker of cfg. It does not wait for the
// connection to be established.
func DialMQTT(ctx context.Context, cfg *Config) (*MQTTTransport, error) {
	t := &MQTTTransport{}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID("flowtabs-" + ksid.NewID().String()).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.Secure {
		// TODO: verify the broker certificate once a CA setting exists.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // G402: broker certificates are not verified
	}
	t.client = mqtt.NewClient(opts)
	tok := t.client.Connect()
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			slog.ErrorContext(ctx, "MQTT connection failed", "err", err)
		}
	}()
	return t, nil
}

func (t *MQTTTransport) onConnect(c mqtt.Client) {
	slog.Info("MQTT connected")
	t.mu.Lock()
	subs := append([]mqttSubscription(nil), t.subs...)
	t.mu.Unlock()
	for _, s := range subs {
		t.subscribe(c, s)
	}
}

func (t *MQTTTransport) subscribe(c mqtt.Client, s mqttSubscription) {
	for _, topic := range s.topics {
		tok := c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			s.fn(msg.Topic())
		})
		go func() {
			<-tok.Done()
			if err := tok.Error(); err != nil {
				slog.Error("Can't subscribe to topic", "topic", topic, "err", err)
			}
		}()
	}
}

// Publish implements Transport.
func (t *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := t.client.Publish(topic, 0, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Transport.
func (t *MQTTTransport) Subscribe(_ context.Context, topics []string, fn func(topic string)) error {
	s := mqttSubscription{topics: topics, fn: fn}
	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	if t.client.IsConnectionOpen() {
		t.subscribe(t.client, s)
	}
	return nil
}

// Connected implements Transport.
func (t *MQTTTransport) Connected() bool {
	return t.client.IsConnectionOpen()
}

// Close implements Transport.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
