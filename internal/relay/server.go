// Package relay bridges authenticated client websockets to per-session
// broker topics. One connection owns one session: the relay subscribes
// the session's output and index topics, forwards backend traffic down
// the socket, and republishes client envelopes onto the input or control
// topic. It never interprets payloads beyond routing.
package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/broker"
	"github.com/gurungabit/iast/internal/auth"
	"github.com/gurungabit/iast/topic"
	"github.com/gurungabit/iast/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for self-hosting
	},
}

// TokenVerifier authenticates the bearer token presented at the
// handshake. Implemented by internal/auth.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// SessionDirectory reports whether a session exists and belongs to a
// user. Implemented by internal/models.
type SessionDirectory interface {
	ValidateSessionOwner(ctx context.Context, id, userID string) (bool, error)
}

// Config assembles a Relay.
type Config struct {
	// Broker carries all traffic between the relay and backends.
	Broker broker.Broker
	// Verifier authenticates handshakes.
	Verifier TokenVerifier
	// Directory, when set, rejects connections to sessions the user does
	// not own. Nil skips the check.
	Directory SessionDirectory
	// MaxSessionsPerUser caps concurrent claims per user. <= 0 means no
	// cap.
	MaxSessionsPerUser int
	// Logger defaults to the ambient logger.
	Logger pslog.Logger
}

// Relay accepts client sockets and runs one conn actor per session.
type Relay struct {
	broker    broker.Broker
	verifier  TokenVerifier
	directory SessionDirectory
	registry  *Registry
	log       pslog.Logger

	globalSub broker.Subscription
}

// New validates cfg and builds a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Broker == nil {
		return nil, errors.New("relay: broker is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("relay: token verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Relay{
		broker:    cfg.Broker,
		verifier:  cfg.Verifier,
		directory: cfg.Directory,
		registry:  NewRegistry(cfg.MaxSessionsPerUser),
		log:       logger,
	}, nil
}

// Start subscribes the fixed global control topic. Records published
// there reach whichever connected client holds the named session, which
// lets operators broadcast termination without knowing who is attached.
func (r *Relay) Start(ctx context.Context) error {
	name, err := topic.For(topic.GlobalControl, "")
	if err != nil {
		return err
	}
	sub, err := r.broker.Subscribe(ctx, r.onGlobal, name)
	if err != nil {
		return err
	}
	r.globalSub = sub
	return nil
}

func (r *Relay) onGlobal(msg broker.Message) {
	env, err := wire.Decode(msg.Payload)
	if err != nil {
		r.log.Warn("dropping undecodable global control record", "err", err)
		return
	}
	claimant := r.registry.Get(env.SessionID)
	if claimant == nil {
		return
	}
	if c, ok := claimant.(*conn); ok {
		c.forward(msg.Payload, env.Type)
	}
}

// Close evicts every connection and releases the global subscription.
func (r *Relay) Close() error {
	if r.globalSub != nil {
		r.globalSub.Unsubscribe()
		r.globalSub = nil
	}
	for _, claimant := range r.registry.DropAll() {
		claimant.Close(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}

// SessionCount returns the number of currently claimed sessions.
func (r *Relay) SessionCount() int {
	return r.registry.Count()
}

// bearerToken pulls the credential from the Authorization header, or
// from the token query parameter for browser clients that cannot set
// headers on a websocket dial.
func bearerToken(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return req.URL.Query().Get("token")
}

// closeWith rejects an already-upgraded socket. Upgrading before
// rejecting is what lets the client see a close code instead of a bare
// HTTP error.
func closeWith(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = ws.Close()
}

// HandleSocket is the gin handler for the websocket endpoint. The
// handshake runs after the upgrade: authenticate, resolve the session,
// claim it, subscribe, then pump until either side ends.
func (r *Relay) HandleSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	token := bearerToken(c.Request)
	if token == "" {
		closeWith(ws, wire.CloseAuthRequired, "authentication required")
		return
	}
	claims, err := r.verifier.VerifyToken(token)
	if err != nil {
		closeWith(ws, wire.CloseAuthRejected, "access rejected")
		return
	}
	userID := claims.UserID

	sessionID := c.Query("session")
	if !topic.ValidSessionID(sessionID) {
		closeWith(ws, wire.CloseTransportError, "invalid session id")
		return
	}

	ctx := c.Request.Context()
	if r.directory != nil {
		owned, err := r.directory.ValidateSessionOwner(ctx, sessionID, userID)
		if err != nil {
			r.log.Error("session lookup failed", "session", sessionID, "err", err)
			closeWith(ws, wire.CloseTransportError, "session lookup failed")
			return
		}
		if !owned {
			closeWith(ws, wire.CloseAuthRejected, "access rejected")
			return
		}
	}

	inputTopic, err := topic.For(topic.SessionInput, sessionID)
	if err != nil {
		closeWith(ws, wire.CloseTransportError, "invalid session id")
		return
	}
	controlTopic, _ := topic.For(topic.SessionControl, sessionID)
	outputTopic, _ := topic.For(topic.SessionOutput, sessionID)
	indexTopic, _ := topic.For(topic.SessionIndex, sessionID)

	cn := newConn(ws, r.broker, r.registry, r.log, sessionID, userID, inputTopic, controlTopic, indexTopic)

	evicted, err := r.registry.Claim(sessionID, userID, cn)
	if err != nil {
		closeWith(ws, wire.CloseSessionLimit, "concurrent session limit reached")
		return
	}
	if evicted != nil {
		// The previous holder's subscription is gone once this returns,
		// so the fresh subscribe below never overlaps it.
		evicted.Close(wire.CloseSuperseded, "session claimed by another connection")
	}

	// The pumps must run on a context that outlives this HTTP request.
	connCtx := context.Background()

	sub, err := r.broker.Subscribe(connCtx, cn.onBroker, outputTopic, indexTopic)
	if err != nil {
		r.log.Error("subscribe failed", "session", sessionID, "err", err)
		r.registry.Release(sessionID, cn)
		closeWith(ws, wire.CloseTransportError, "subscription failed")
		return
	}
	if !cn.attach(sub) {
		// Evicted between claim and subscribe.
		sub.Unsubscribe()
		return
	}

	cn.log.Info("client attached")
	go cn.writePump()
	cn.readPump(connCtx)
	cn.log.Info("client detached")
}
