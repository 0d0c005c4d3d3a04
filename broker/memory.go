package broker

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Memory is an in-process Broker. It backs single-node deployments and
// tests; the relay and a backend sharing one process see the same fanout
// semantics they would get from Redis.
type Memory struct {
	mu     sync.Mutex
	subs   map[*memorySub]struct{}
	log    pslog.Logger
	depth  int
	closed bool
}

// NewMemory constructs an in-process broker.
func NewMemory(logger pslog.Logger) *Memory {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Memory{
		subs:  make(map[*memorySub]struct{}),
		log:   logger,
		depth: 256,
	}
}

type memorySub struct {
	owner    *Memory
	topics   []string
	patterns bool
	ch       chan Message
	once     sync.Once
}

func (s *memorySub) matches(topicName string) bool {
	for _, t := range s.topics {
		if s.patterns {
			if matchTopic(t, topicName) {
				return true
			}
		} else if t == topicName {
			return true
		}
	}
	return false
}

// Unsubscribe stops delivery and releases the subscription.
func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		close(s.ch)
		s.owner.mu.Unlock()
	})
}

// Publish delivers payload to every matching subscriber without blocking.
// Full subscriber buffers drop the message; drops are logged, not reported.
// Sends happen under the broker lock so a concurrent Unsubscribe cannot
// close a channel mid-delivery.
func (m *Memory) Publish(_ context.Context, topicName string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	dropped := 0
	msg := Message{Topic: topicName, Payload: payload}
	for sub := range m.subs {
		if !sub.matches(topicName) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			dropped++
		}
	}
	m.mu.Unlock()

	if dropped > 0 {
		m.log.With("topic", topicName).Warn("broker dropped messages for slow subscribers", "count", dropped)
	}
	return nil
}

// Subscribe registers handler for exact topic names.
func (m *Memory) Subscribe(_ context.Context, handler Handler, topics ...string) (Subscription, error) {
	return m.subscribe(handler, topics, false)
}

// SubscribePattern registers handler for glob patterns.
func (m *Memory) SubscribePattern(_ context.Context, handler Handler, patterns ...string) (Subscription, error) {
	return m.subscribe(handler, patterns, true)
}

func (m *Memory) subscribe(handler Handler, topics []string, patterns bool) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("broker: nil handler")
	}
	if len(topics) == 0 {
		return nil, errors.New("broker: no topics")
	}
	sub := &memorySub{
		owner:    m,
		topics:   append([]string(nil), topics...),
		patterns: patterns,
		ch:       make(chan Message, m.depth),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		for msg := range sub.ch {
			handler(msg)
		}
	}()
	return sub, nil
}

// Close unsubscribes everything. Publish after Close returns ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

// matchTopic matches a redis-style glob restricted to the '*' wildcard.
func matchTopic(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	rest := name[len(parts[0]):]
	for i := 1; i < len(parts); i++ {
		p := parts[i]
		if p == "" {
			if i == len(parts)-1 {
				return true
			}
			continue
		}
		idx := strings.Index(rest, p)
		if idx < 0 {
			return false
		}
		if i == len(parts)-1 && !strings.HasSuffix(rest, p) {
			return false
		}
		rest = rest[idx+len(p):]
	}
	return true
}
