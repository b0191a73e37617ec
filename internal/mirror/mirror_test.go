package mirror

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/maruel/flowtabs/internal/storage/flows"
)

type published struct {
	topic   string
	payload string
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []published
	subs      map[string]func(string)
	notify    chan struct{}
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{connected: connected, subs: map[string]func(string){}, notify: make(chan struct{}, 16)}
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, published{topic, string(payload)})
	f.mu.Unlock()
	f.notify <- struct{}{}
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, topics []string, fn func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		f.subs[t] = fn
	}
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) deliver(topic string) bool {
	f.mu.Lock()
	fn := f.subs[topic]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(topic)
	return true
}

func (f *fakeTransport) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

type fakeLoader struct {
	doc string
}

func (l *fakeLoader) GetFlows(context.Context) ([]flows.Node, error) {
	return flows.ParseDocument([]byte(l.doc))
}

func TestConfigURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "mqtt://mosquitto:1883"},
		{Config{Secure: true, Broker: "b.example", Port: 8883}, "mqtts://b.example:8883"},
		{Config{Broker: "b", Username: "u"}, "mqtt://u@b:1883"},
		{Config{Broker: "b", Username: "u", Password: "p"}, "mqtt://u:p@b:1883"},
		{Config{Broker: "b", Password: "p"}, "mqtt://b:1883"},
		{Config{Broker: "redis://r:6379/0", Port: 1}, "redis://r:6379/0"},
	}
	for _, tt := range tests {
		if got := tt.cfg.URL(); got != tt.want {
			t.Errorf("URL(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
	c := Config{Broker: "rediss://r"}
	if !c.IsRedis() {
		t.Error("IsRedis() = false for rediss://")
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()
	doc, err := flows.ParseDocument([]byte(`[{"id":"t1","type":"tab"},{"id":"c1","type":"x"}]`))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("disconnected", func(t *testing.T) {
		t.Parallel()
		ft := newFakeTransport(false)
		m := New(&Config{PublishTopics: []string{"a"}}, ft, &fakeLoader{})
		if err := m.Publish(t.Context(), doc); err != nil {
			t.Fatal(err)
		}
		if got := ft.messages(); len(got) != 0 {
			t.Errorf("published while disconnected: %v", got)
		}
	})

	t.Run("every topic", func(t *testing.T) {
		t.Parallel()
		ft := newFakeTransport(true)
		m := New(&Config{PublishTopics: []string{"a", "b"}}, ft, &fakeLoader{})
		if err := m.Publish(t.Context(), doc); err != nil {
			t.Fatal(err)
		}
		payload := `[{"id":"t1","type":"tab"},{"id":"c1","type":"x"}]`
		want := []published{{"a", payload}, {"b", payload}}
		if got := ft.messages(); !slices.Equal(got, want) {
			t.Errorf("published %v, want %v", got, want)
		}
	})

	t.Run("after save", func(t *testing.T) {
		t.Parallel()
		ft := newFakeTransport(true)
		s := flows.New(flows.Options{UserDir: t.TempDir()})
		s.SetPublisher(New(&Config{PublishTopics: []string{"flows"}}, ft, s))
		if err := s.SaveFlows(t.Context(), doc); err != nil {
			t.Fatal(err)
		}
		got := ft.messages()
		if len(got) != 1 || got[0].topic != "flows" {
			t.Fatalf("published %v", got)
		}
	})
}

func TestRun(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport(true)
	loader := &fakeLoader{doc: `[{"id":"t1","type":"tab"}]`}
	m := New(&Config{SubscribeTopics: []string{"in"}, PublishTopics: []string{"out"}, RefreshPerSecond: 100}, ft, loader)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !ft.deliver("in") {
		if time.Now().After(deadline) {
			t.Fatal("Run() did not subscribe")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-ft.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("no republish after a message")
	}
	want := []published{{"out", `[{"id":"t1","type":"tab"}]`}}
	if got := ft.messages(); !slices.Equal(got, want) {
		t.Errorf("published %v, want %v", got, want)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v", err)
	}
}

func TestTriggerMerges(t *testing.T) {
	t.Parallel()
	m := New(&Config{}, newFakeTransport(true), &fakeLoader{})
	for range 10 {
		m.Trigger()
	}
	if n := len(m.trigger); n != 1 {
		t.Errorf("pending triggers = %d, want 1", n)
	}
}
