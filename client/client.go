// Package client drives remote terminal sessions and task executions over
// the relay's WebSocket endpoint.
//
// A Client owns one Store plus one connection per attached session. UIs
// read snapshots and subscribe to the store; the client feeds it from
// inbound envelopes and handles reconnects, heartbeats and task commands.
// Clients are plain values constructed with New; embedding one per surface
// (browser bridge, CLI, tests) keeps state scoped to its owner.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/wire"
)

var (
	// ErrClosed is returned once Close was called.
	ErrClosed = errors.New("client: closed")
	// ErrNotConnected is returned when a session has no open socket.
	// Nothing is ever queued for later delivery.
	ErrNotConnected = errors.New("client: session not connected")
	// ErrSendQueueFull is returned when the write pump cannot keep up.
	ErrSendQueueFull = errors.New("client: send queue full")
	// ErrNoExecution is returned for task control without a run.
	ErrNoExecution = errors.New("client: session has no execution")
	// ErrExecutionFinished is returned for task control on a terminal run.
	ErrExecutionFinished = errors.New("client: execution already finished")
	// ErrNoSealer is returned when credentials are passed without a
	// configured sealer.
	ErrNoSealer = errors.New("client: credentials given but no sealer configured")
)

// Sealer encrypts credential blobs embedded in task commands. The client
// never sends secrets in the clear; without a Sealer, tasks can only carry
// plain params.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

// Config carries everything a Client needs. ServerURL is required; zero
// values elsewhere fall back to defaults.
type Config struct {
	// ServerURL is the relay socket endpoint, e.g. "wss://host/v1/socket".
	ServerURL string
	// Token is the bearer token presented at the handshake.
	Token string
	// Terminal is the desired terminal geometry announced on connect.
	Terminal *wire.SessionCreateMeta
	// Reconnect shapes the retry schedule.
	Reconnect ReconnectPolicy
	// HeartbeatInterval is the wire-level ping cadence. Default 30s.
	HeartbeatInterval time.Duration
	// Sealer encrypts task credentials. Optional.
	Sealer Sealer
	// Logger receives connection and protocol logs.
	Logger pslog.Logger
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// TaskRequest describes a run command.
type TaskRequest struct {
	// AstName names the task definition to run.
	AstName string
	// Params are plain task parameters.
	Params map[string]string
	// Credentials are sealed before leaving the process.
	Credentials map[string]string
}

// Client is the session manager. Construct with New and share freely; all
// methods are safe for concurrent use.
type Client struct {
	cfg   Config
	store *Store
	log   pslog.Logger

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// New validates cfg and constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: ServerURL is required")
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Client{
		cfg:   cfg,
		store: NewStore(logger),
		log:   logger,
		conns: make(map[string]*conn),
	}, nil
}

// Store exposes the session state store backing this client.
func (c *Client) Store() *Store {
	return c.store
}

func (c *Client) dialer() *websocket.Dialer {
	if c.cfg.Dialer != nil {
		return c.cfg.Dialer
	}
	return websocket.DefaultDialer
}

// Connect attaches a session. Connecting an already attached session is a
// no-op. ctx bounds individual dials and cancels the retry schedule.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("client: empty session id")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := c.conns[sessionID]; ok && !existing.isStopped() {
		c.mu.Unlock()
		return nil
	}
	cn := newConn(c, sessionID)
	c.conns[sessionID] = cn
	c.mu.Unlock()

	c.store.InitSession(sessionID)
	go cn.run(ctx)
	return nil
}

// Disconnect ends a session locally. A best-effort session.destroy is sent
// first; send failures during teardown are swallowed and no reconnect is
// scheduled.
func (c *Client) Disconnect(sessionID string) {
	c.mu.Lock()
	cn := c.conns[sessionID]
	delete(c.conns, sessionID)
	c.mu.Unlock()
	if cn != nil {
		cn.stop()
	}
}

// Detach ends a session's socket without ending the remote session. The
// socket closes with a normal close frame and no session.destroy; the
// backend keeps the session running for a later attach.
func (c *Client) Detach(sessionID string) {
	c.mu.Lock()
	cn := c.conns[sessionID]
	delete(c.conns, sessionID)
	c.mu.Unlock()
	if cn != nil {
		cn.detach()
	}
}

// ResetExpired clears the error state so a later Connect starts a fresh
// retry schedule. Sessions not in the error state are left alone.
func (c *Client) ResetExpired(sessionID string) {
	if st, ok := c.store.Status(sessionID); ok && st == StatusError {
		c.store.SetStatus(sessionID, StatusDisconnected)
	}
}

// Close disconnects every session.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.conns = make(map[string]*conn)
	c.mu.Unlock()
	for _, cn := range conns {
		cn.stop()
	}
	return nil
}

func (c *Client) dropConn(sessionID string, cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[sessionID] == cn {
		delete(c.conns, sessionID)
	}
}

func (c *Client) connFor(sessionID string) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	cn, ok := c.conns[sessionID]
	if !ok {
		return nil, ErrNotConnected
	}
	return cn, nil
}

// Send writes terminal text to the session. Sends while disconnected fail
// immediately; nothing is queued.
func (c *Client) Send(sessionID, text string) error {
	return c.sendEnvelope(sessionID, wire.NewData(sessionID, text))
}

// SendBytes writes raw terminal bytes to the session.
func (c *Client) SendBytes(sessionID string, data []byte) error {
	return c.sendEnvelope(sessionID, wire.NewDataBytes(sessionID, data))
}

// Resize announces new terminal geometry.
func (c *Client) Resize(sessionID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("client: invalid terminal size %dx%d", cols, rows)
	}
	return c.sendEnvelope(sessionID, wire.NewResize(sessionID, cols, rows))
}

func (c *Client) sendEnvelope(sessionID string, env *wire.Envelope) error {
	cn, err := c.connFor(sessionID)
	if err != nil {
		c.log.With("session", sessionID).Warn("dropping send", "type", env.Type, "err", err)
		return err
	}
	if err := cn.enqueue(env); err != nil {
		c.log.With("session", sessionID).Warn("dropping send", "type", env.Type, "err", err)
		return err
	}
	return nil
}

// RunTask starts a task against the session and returns the minted
// execution id. The execution slot is cleared and set running before the
// command leaves; if the command cannot be handed to the transport the
// slot fails locally with the send error.
func (c *Client) RunTask(sessionID string, req TaskRequest) (string, error) {
	if req.AstName == "" {
		return "", errors.New("client: task name is required")
	}
	cn, err := c.connFor(sessionID)
	if err != nil {
		return "", err
	}
	meta := &wire.TaskRunMeta{
		ExecutionID: uuid.NewString(),
		AstName:     req.AstName,
		Params:      req.Params,
	}
	if len(req.Credentials) > 0 {
		if c.cfg.Sealer == nil {
			return "", ErrNoSealer
		}
		blob, err := json.Marshal(req.Credentials)
		if err != nil {
			return "", fmt.Errorf("client: encode credentials: %w", err)
		}
		sealed, err := c.cfg.Sealer.Seal(blob)
		if err != nil {
			return "", fmt.Errorf("client: seal credentials: %w", err)
		}
		meta.Credentials = sealed
	}
	c.store.BeginExecution(sessionID, meta.ExecutionID, req.AstName)
	if err := cn.enqueue(wire.NewTaskRun(sessionID, meta)); err != nil {
		c.store.FailExecution(sessionID, "run command not sent: "+err.Error())
		return "", err
	}
	return meta.ExecutionID, nil
}

// PauseTask asks the backend to pause the session's execution. Local state
// flips only when the authoritative task.paused echo arrives.
func (c *Client) PauseTask(sessionID string) error {
	return c.taskControl(sessionID, wire.TypeTaskPause)
}

// ResumeTask asks the backend to resume the session's execution.
func (c *Client) ResumeTask(sessionID string) error {
	return c.taskControl(sessionID, wire.TypeTaskResume)
}

// CancelTask asks the backend to cancel the session's execution.
func (c *Client) CancelTask(sessionID string) error {
	return c.taskControl(sessionID, wire.TypeTaskCancel)
}

func (c *Client) taskControl(sessionID string, t wire.Type) error {
	exec, ok := c.store.Execution(sessionID)
	if !ok {
		return ErrNoExecution
	}
	if exec.Terminal() {
		return ErrExecutionFinished
	}
	cn, err := c.connFor(sessionID)
	if err != nil {
		return err
	}
	return cn.enqueue(wire.NewTaskControl(t, sessionID, exec.ID))
}
