package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/wire"
)

const (
	dialTimeout   = 10 * time.Second
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

// conn owns one session's socket: dialing, pumps, the heartbeat and the
// reconnect schedule. Session state never lives here; everything observable
// goes through the store.
type conn struct {
	client    *Client
	sessionID string
	policy    ReconnectPolicy
	heartbeat time.Duration
	log       pslog.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	send       chan *wire.Envelope
	active     bool
	stopped    bool
	keepRemote bool
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func newConn(c *Client, sessionID string) *conn {
	return &conn{
		client:    c,
		sessionID: sessionID,
		policy:    c.cfg.Reconnect,
		heartbeat: c.cfg.HeartbeatInterval,
		log:       c.log.With("session", sessionID),
		stopCh:    make(chan struct{}),
	}
}

func (c *conn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// stop requests a local, intentional disconnect. The write pump sends a
// best-effort session.destroy and a normal close frame before the socket
// goes down; no reconnect is scheduled afterwards.
func (c *conn) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.stopCh)
	})
}

// detach is stop without the session.destroy; the backend session keeps
// running for a later attach.
func (c *conn) detach() {
	c.mu.Lock()
	c.keepRemote = true
	c.mu.Unlock()
	c.stop()
}

// enqueue hands an envelope to the write pump. Nothing is queued while the
// session is not connected.
func (c *conn) enqueue(env *wire.Envelope) error {
	c.mu.Lock()
	if !c.active || c.send == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	send := c.send
	c.mu.Unlock()
	select {
	case send <- env:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// run is the connection lifecycle: dial, pump until the socket drops, then
// either stop (intentional ends) or back off and retry. It exits with the
// store left in disconnected or error state.
func (c *conn) run(ctx context.Context) {
	defer c.client.dropConn(c.sessionID, c)
	store := c.client.store
	first := true
	attempts := 0
	for {
		if c.isStopped() {
			store.SetStatus(c.sessionID, StatusDisconnected)
			return
		}
		if first {
			store.SetStatus(c.sessionID, StatusConnecting)
		} else {
			store.SetStatus(c.sessionID, StatusReconnecting)
		}
		ws, err := c.dial(ctx)
		first = false
		if err != nil {
			c.log.Warn("dial failed", "err", err)
		} else if !c.arm(ws) {
			ws.Close()
			store.SetStatus(c.sessionID, StatusDisconnected)
			return
		} else {
			attempts = 0
			// Status flips only after arm, so a send fired from a status
			// observer never sees a half-open socket.
			store.SetStatus(c.sessionID, StatusConnected)
			reason := c.pump(ws)
			switch {
			case reason.stopped:
				store.SetStatus(c.sessionID, StatusDisconnected)
				return
			case reason.code == wire.CloseAuthRequired:
				store.SetError(c.sessionID, "authentication required")
				return
			case reason.code == wire.CloseAuthRejected:
				store.SetError(c.sessionID, "access rejected")
				return
			case reason.code == wire.CloseSessionLimit:
				store.SetError(c.sessionID, "concurrent session limit reached")
				return
			case reason.intentional:
				c.log.Info("connection ended", "code", reason.code)
				store.SetStatus(c.sessionID, StatusDisconnected)
				return
			}
			c.log.Debug("connection lost", "err", reason.err)
		}
		attempts++
		if attempts >= c.policy.MaxAttempts {
			store.SetError(c.sessionID, fmt.Sprintf("gave up after %d reconnect attempts", attempts))
			return
		}
		delay := c.policy.Delay(attempts)
		store.SetStatus(c.sessionID, StatusReconnecting)
		select {
		case <-c.stopCh:
			store.SetStatus(c.sessionID, StatusDisconnected)
			return
		case <-ctx.Done():
			store.SetStatus(c.sessionID, StatusDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

func (c *conn) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.client.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("session", c.sessionID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.client.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.client.cfg.Token)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, resp, err := c.client.dialer().DialContext(dctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

type closeReason struct {
	err         error
	code        int
	intentional bool
	stopped     bool
}

// arm publishes the socket to senders. The session announcement enters the
// queue before active opens it, so it is always first on the wire. Returns
// false when stop raced the dial.
func (c *conn) arm(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	send := make(chan *wire.Envelope, sendQueueSize)
	send <- wire.NewSessionCreate(c.sessionID, c.client.cfg.Terminal)
	c.ws = ws
	c.send = send
	c.active = true
	return true
}

// pump runs the socket until it drops. The reader stays on this goroutine;
// a writer goroutine owns all writes including the heartbeat.
func (c *conn) pump(ws *websocket.Conn) closeReason {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go c.writePump(ws, send, readerDone, writerDone)

	var reason closeReason
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			reason.err = err
			if code, ok := wire.CloseCode(err); ok {
				reason.code = code
				reason.intentional = wire.IntentionalClose(code)
			}
			break
		}
		c.handleFrame(frame)
	}
	close(readerDone)
	<-writerDone

	c.mu.Lock()
	c.active = false
	c.ws = nil
	c.send = nil
	stopped := c.stopped
	c.mu.Unlock()
	ws.Close()
	if stopped {
		reason.stopped = true
	}
	return reason
}

func (c *conn) writePump(ws *websocket.Conn, send chan *wire.Envelope, readerDone, writerDone chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	defer close(writerDone)
	for {
		select {
		case env := <-send:
			if err := c.write(ws, env); err != nil {
				c.log.Debug("write failed", "err", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			// Heartbeats ride the same queue-free path as everything
			// else; a missed pong is observed, never acted on.
			if err := c.write(ws, wire.NewPing(c.sessionID)); err != nil {
				ws.Close()
				return
			}
		case <-c.stopCh:
			c.mu.Lock()
			keep := c.keepRemote
			c.mu.Unlock()
			if !keep {
				_ = c.write(ws, wire.NewSessionDestroy(c.sessionID))
			}
			deadline := time.Now().Add(writeWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
			ws.Close()
			return
		case <-readerDone:
			return
		}
	}
}

func (c *conn) write(ws *websocket.Conn, env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) handleFrame(frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		c.log.Warn("dropping undecodable frame", "err", err)
		return
	}
	if env.SessionID != c.sessionID {
		c.log.Warn("dropping envelope addressed to another session", "got", env.SessionID)
		return
	}
	c.client.store.Apply(env)
}
