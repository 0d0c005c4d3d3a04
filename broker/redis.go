package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"pkt.systems/pslog"
)

// Redis is a Broker on redis pub/sub. Publishes borrow pooled connections;
// each subscription holds one dedicated connection and resubscribes with a
// short backoff when the server drops it.
type Redis struct {
	addr   string
	pool   *redis.Pool
	log    pslog.Logger
	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedis constructs a Redis broker for addr (host:port).
func NewRedis(addr string, logger pslog.Logger) *Redis {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Redis{
		addr: addr,
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
		log:  logger,
		subs: make(map[*redisSub]struct{}),
	}
}

// Publish sends payload on topic via PUBLISH.
func (r *Redis) Publish(ctx context.Context, topicName string, payload []byte) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", topicName, payload); err != nil {
		return err
	}
	return nil
}

// Subscribe registers handler for exact topic names (SUBSCRIBE).
func (r *Redis) Subscribe(ctx context.Context, handler Handler, topics ...string) (Subscription, error) {
	return r.subscribe(ctx, handler, topics, false)
}

// SubscribePattern registers handler for glob patterns (PSUBSCRIBE).
func (r *Redis) SubscribePattern(ctx context.Context, handler Handler, patterns ...string) (Subscription, error) {
	return r.subscribe(ctx, handler, patterns, true)
}

func (r *Redis) subscribe(ctx context.Context, handler Handler, topics []string, patterns bool) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("broker: nil handler")
	}
	if len(topics) == 0 {
		return nil, errors.New("broker: no topics")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	sub := &redisSub{
		owner:    r,
		topics:   append([]string(nil), topics...),
		patterns: patterns,
		handler:  handler,
		done:     make(chan struct{}),
	}

	// Dial inline so a bad address fails the Subscribe call instead of
	// being discovered later in the retry loop.
	conn, err := redis.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.loop(conn)
	return sub, nil
}

// Close unsubscribes everything and closes the pool.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return r.pool.Close()
}

type redisSub struct {
	owner    *Redis
	topics   []string
	patterns bool
	handler  Handler
	done     chan struct{}
	once     sync.Once
}

// Unsubscribe stops delivery. The receive loop notices through the closed
// connection and exits.
func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
}

func (s *redisSub) loop(conn redis.Conn) {
	const retryDelay = time.Second
	for {
		if conn == nil {
			next, err := redis.Dial("tcp", s.owner.addr)
			if err != nil {
				s.owner.log.With("err", err).Warn("broker redial failed", "addr", s.owner.addr)
				select {
				case <-s.done:
					return
				case <-time.After(retryDelay):
				}
				continue
			}
			conn = next
		}
		err := s.receive(conn)
		conn = nil
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			s.owner.log.With("err", err).Warn("broker subscription lost, retrying", "topics", s.topics)
		}
		select {
		case <-s.done:
			return
		case <-time.After(retryDelay):
		}
	}
}

// receive runs one subscription on conn until it fails or the subscription
// ends.
func (s *redisSub) receive(conn redis.Conn) error {
	defer conn.Close()

	psc := redis.PubSubConn{Conn: conn}
	var err error
	if s.patterns {
		err = psc.PSubscribe(redis.Args{}.AddFlat(s.topics)...)
	} else {
		err = psc.Subscribe(redis.Args{}.AddFlat(s.topics)...)
	}
	if err != nil {
		return err
	}

	// Closing the connection is the only way to interrupt a blocked
	// Receive; the watcher does that when the subscription ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.done:
			conn.Close()
		case <-stop:
		}
	}()

	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			s.handler(Message{Topic: v.Channel, Payload: v.Data})
		case redis.Subscription:
			s.owner.log.Debug("broker subscription change", "kind", v.Kind, "channel", v.Channel, "count", v.Count)
		case error:
			select {
			case <-s.done:
				return nil
			default:
				return v
			}
		}
	}
}
