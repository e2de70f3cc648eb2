package mqttx

import (
	"context"
	"strings"
	"sync"
)

// FakeClient is an in-memory Client for tests. Published messages are
// recorded; Inject drives subscribed handlers as if the broker delivered a
// message. Safe for concurrent use.
type FakeClient struct {
	mu        sync.Mutex
	published []Message
	subs      map[string]func(Message)
	connected bool

	// PublishErr, when set, is returned by every Publish until cleared.
	PublishErr error
}

// NewFakeClient returns a connected fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{subs: make(map[string]func(Message)), connected: true}
}

func (f *FakeClient) Publish(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *FakeClient) Subscribe(filter string, _ byte, handler func(Message)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[filter] = handler
	return nil
}

func (f *FakeClient) Unsubscribe(filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, filter)
	return nil
}

func (f *FakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeClient) Close() {
	f.SetConnected(false)
}

// SetConnected flips the reported link state.
func (f *FakeClient) SetConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

// Published returns a snapshot of everything published so far.
func (f *FakeClient) Published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.published))
	copy(out, f.published)
	return out
}

// Reset clears the published record.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	f.published = nil
	f.mu.Unlock()
}

// Inject delivers a message to the first subscription whose filter matches
// the topic, emulating broker dispatch.
func (f *FakeClient) Inject(msg Message) bool {
	f.mu.Lock()
	var handler func(Message)
	for filter, h := range f.subs {
		if filterMatches(filter, msg.Topic) {
			handler = h
			break
		}
	}
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(msg)
	return true
}

// filterMatches implements MQTT topic-filter matching (+ and # wildcards).
func filterMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range fp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
