package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/broker"
	"github.com/gurungabit/iast/wire"
)

const (
	// writeWait is the time allowed to write one message.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// side gives up. pingPeriod must stay below it.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	// maxMessageSize bounds a single client frame. Screen dumps are the
	// largest envelopes and stay well under this.
	maxMessageSize = 256 * 1024
	// sendBuffer is the per-connection outbound queue depth. A full
	// queue drops messages instead of stalling the broker handler.
	sendBuffer = 256
)

// closeIntent asks the write pump to send a close frame after flushing
// the message it rides with.
type closeIntent struct {
	code int
	text string
}

// outbound is one queued write: a frame, a close, or a frame followed by
// a close.
type outbound struct {
	data  []byte
	close *closeIntent
}

// conn is one accepted client socket bound to one session. The read pump
// republishes client envelopes onto broker topics; the broker handler
// queues backend traffic for the write pump. The conn owns its session's
// broker subscription exclusively for its lifetime.
type conn struct {
	ws       *websocket.Conn
	broker   broker.Broker
	registry *Registry
	log      pslog.Logger

	sessionID    string
	userID       string
	inputTopic   string
	controlTopic string
	indexTopic   string

	send    chan outbound
	closing chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sub  broker.Subscription
	down bool
}

func newConn(ws *websocket.Conn, b broker.Broker, reg *Registry, logger pslog.Logger, sessionID, userID string, input, control, index string) *conn {
	return &conn{
		ws:           ws,
		broker:       b,
		registry:     reg,
		log:          logger.With("session", sessionID, "user", userID),
		sessionID:    sessionID,
		userID:       userID,
		inputTopic:   input,
		controlTopic: control,
		indexTopic:   index,
		send:         make(chan outbound, sendBuffer),
		closing:      make(chan struct{}),
	}
}

// attach hands the conn its broker subscription. It reports false when
// the conn was torn down between claiming and subscribing; the caller
// must then release the subscription itself.
func (c *conn) attach(sub broker.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return false
	}
	c.sub = sub
	return true
}

func (c *conn) detach() broker.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = true
	sub := c.sub
	c.sub = nil
	return sub
}

// Close tears the connection down exactly once: subscription first, so a
// successor claiming the session can subscribe without overlap, then the
// registry claim, then the socket. code 0 skips the close frame for
// transports that are already gone.
func (c *conn) Close(code int, text string) {
	c.once.Do(func() {
		if sub := c.detach(); sub != nil {
			sub.Unsubscribe()
		}
		c.registry.Release(c.sessionID, c)
		close(c.closing)
		if code != 0 {
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(code, text)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		_ = c.ws.Close()
	})
}

// enqueue queues one write without blocking. Closes are never dropped; a
// full queue tears the connection down directly instead.
func (c *conn) enqueue(out outbound) {
	select {
	case c.send <- out:
	case <-c.closing:
	default:
		if out.close != nil {
			c.Close(out.close.code, out.close.text)
			return
		}
		c.log.Warn("dropping message for slow client")
	}
}

// forward delivers one backend record to the client. A session.destroyed
// record also ends the connection so the client can tell "peer ended"
// from a network failure.
func (c *conn) forward(payload []byte, t wire.Type) {
	if t == wire.TypeSessionDestroyed {
		c.enqueue(outbound{data: payload, close: &closeIntent{code: wire.ClosePeerEnded, text: "session ended"}})
		return
	}
	c.enqueue(outbound{data: payload})
}

// onBroker handles deliveries from the session's output and index
// topics. Output passes through verbatim; the index is only inspected
// for termination records.
func (c *conn) onBroker(msg broker.Message) {
	if msg.Topic != c.indexTopic {
		c.enqueue(outbound{data: msg.Payload})
		return
	}
	env, err := wire.Decode(msg.Payload)
	if err != nil {
		c.log.Warn("dropping undecodable index record", "err", err)
		return
	}
	if env.Type == wire.TypeSessionDestroyed {
		c.forward(msg.Payload, env.Type)
	}
}

func (c *conn) readPump(ctx context.Context) {
	defer c.Close(0, "")

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if code, ok := wire.CloseCode(err); ok && wire.IntentionalClose(code) {
				c.log.Info("client closed", "code", code)
			} else {
				c.log.Debug("read ended", "err", err)
			}
			return
		}
		c.handleInbound(ctx, data)
	}
}

// handleInbound decodes and routes one client frame. Bad frames cost
// only themselves; the connection survives.
func (c *conn) handleInbound(ctx context.Context, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		c.log.Warn("dropping undecodable frame", "err", err)
		return
	}
	if env.SessionID != c.sessionID {
		c.log.Warn("dropping envelope addressed to another session", "got", env.SessionID)
		return
	}
	switch routeOf(env.Type) {
	case routePong:
		reply, err := wire.Encode(wire.NewPong(c.sessionID))
		if err != nil {
			return
		}
		c.enqueue(outbound{data: reply})
	case routeInput:
		c.publish(ctx, c.inputTopic, data)
	case routeControl:
		c.publish(ctx, c.controlTopic, data)
	default:
		c.log.Warn("dropping envelope of backend-only kind", "type", string(env.Type))
	}
}

func (c *conn) publish(ctx context.Context, topicName string, data []byte) {
	if err := c.broker.Publish(ctx, topicName, data); err != nil {
		c.log.Warn("publish failed", "topic", topicName, "err", err)
	}
}

func (c *conn) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if out.data != nil {
				if err := c.ws.WriteMessage(websocket.TextMessage, out.data); err != nil {
					c.log.Debug("write failed", "err", err)
					c.Close(0, "")
					return
				}
			}
			if out.close != nil {
				c.Close(out.close.code, out.close.text)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(0, "")
				return
			}
		case <-c.closing:
			return
		}
	}
}
