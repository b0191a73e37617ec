// Package mirror publishes the flow document over a pub/sub channel.
//
// After every save the full document is published, as compact JSON, to each
// publish topic. Any message received on a subscribed topic triggers a full
// reload and republish; its payload is ignored. There is no loop suppression:
// subscribing to a topic this process publishes to makes it republish on
// every save.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/maruel/flowtabs/internal/storage/flows"
)

// Config configures the mirror and its transport.
type Config struct {
	// Secure selects mqtts. The broker certificate is not verified.
	Secure bool
	// Broker is the MQTT host name, or a redis:// URL to use Redis instead.
	Broker   string
	Port     int
	Username string
	Password string
	// SubscribeTopics trigger a republish when a message arrives.
	SubscribeTopics []string
	// PublishTopics receive the document.
	PublishTopics []string
	// RefreshPerSecond paces republishes; 0 means no pacing.
	RefreshPerSecond float64
}

// IsRedis reports whether Broker selects the Redis transport.
func (c *Config) IsRedis() bool {
	return strings.HasPrefix(c.Broker, "redis://") || strings.HasPrefix(c.Broker, "rediss://")
}

// URL returns the broker URL: mqtt[s]://[user[:pass]@]broker:port.
func (c *Config) URL() string {
	if c.IsRedis() {
		return c.Broker
	}
	broker := c.Broker
	if broker == "" {
		broker = "mosquitto"
	}
	port := c.Port
	if port == 0 {
		port = 1883
	}
	u := url.URL{Scheme: "mqtt", Host: net.JoinHostPort(broker, strconv.Itoa(port))}
	if c.Secure {
		u.Scheme = "mqtts"
	}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}
	return u.String()
}

// Transport is a pub/sub connection.
type Transport interface {
	// Publish sends payload on topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe calls fn for every message received on topics. The
	// subscription survives reconnections.
	Subscribe(ctx context.Context, topics []string, fn func(topic string)) error
	// Connected reports whether the transport is currently connected.
	Connected() bool
	Close() error
}

// Dial connects to the transport selected by cfg.
func Dial(ctx context.Context, cfg *Config) (Transport, error) {
	if cfg.IsRedis() {
		return DialRedis(ctx, cfg.Broker)
	}
	return DialMQTT(ctx, cfg)
}

// Loader loads the flow document.
type Loader interface {
	GetFlows(ctx context.Context) ([]flows.Node, error)
}

// Mirror publishes documents on a Transport. It implements flows.Publisher.
type Mirror struct {
	cfg     Config
	t       Transport
	store   Loader
	limiter *rate.Limiter
	trigger chan struct{}
}

var _ flows.Publisher = (*Mirror)(nil)

// New returns a Mirror publishing on t. Refreshes reload from store.
func New(cfg *Config, t Transport, store Loader) *Mirror {
	limit := rate.Inf
	if cfg.RefreshPerSecond > 0 {
		limit = rate.Limit(cfg.RefreshPerSecond)
	}
	return &Mirror{
		cfg:     *cfg,
		t:       t,
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		trigger: make(chan struct{}, 1),
	}
}

// Publish sends doc to every publish topic. It does nothing while the
// transport is disconnected.
func (m *Mirror) Publish(ctx context.Context, doc []flows.Node) error {
	if len(m.cfg.PublishTopics) == 0 || !m.t.Connected() {
		return nil
	}
	payload, err := flows.MarshalDocument(doc, false)
	if err != nil {
		return err
	}
	var errs []error
	for _, topic := range m.cfg.PublishTopics {
		if err := m.t.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish on %s: %w", topic, err))
		}
	}
	slog.DebugContext(ctx, "Published flows", "topics", len(m.cfg.PublishTopics), "bytes", len(payload))
	return errors.Join(errs...)
}

// Trigger requests a refresh. A request made while another one is pending is
// merged into it.
func (m *Mirror) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run subscribes to the subscribe topics and serves refresh requests until ctx
// is canceled.
func (m *Mirror) Run(ctx context.Context) error {
	if len(m.cfg.SubscribeTopics) != 0 {
		err := m.t.Subscribe(ctx, m.cfg.SubscribeTopics, func(topic string) {
			slog.DebugContext(ctx, "Refresh requested", "topic", topic)
			m.Trigger()
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.trigger:
			if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, "Failed to refresh flows", "err", err)
			}
		}
	}
}

// Refresh reloads the document and publishes it, waiting for the rate limiter
// first.
func (m *Mirror) Refresh(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	doc, err := m.store.GetFlows(ctx)
	if err != nil {
		return err
	}
	return m.Publish(ctx, doc)
}
