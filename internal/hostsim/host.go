// Package hostsim is a development stand-in for the remote execution
// backend. It answers session topics with a local shell on a pty and
// task commands with a simulated run. Bytes pass through untouched; the
// simulator never decodes terminal protocols.
package hostsim

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/gurungabit/iast/broker"
	"github.com/gurungabit/iast/internal/crypto"
	"github.com/gurungabit/iast/topic"
	"github.com/gurungabit/iast/wire"
)

// Config assembles a Host.
type Config struct {
	// Broker connects the simulator to the relay.
	Broker broker.Broker
	// Shell is the program hosting sessions. Defaults to $SHELL, then
	// /bin/sh.
	Shell string
	// MasterSecret, when set, unseals credentials carried by task.run.
	// Tasks that carry credentials fail without it.
	MasterSecret string
	// TaskTick is the simulated per-item processing time.
	TaskTick time.Duration
	// Reporter mirrors task telemetry to the API. Optional.
	Reporter *Reporter
	// Logger defaults to the ambient logger.
	Logger pslog.Logger
}

// Host subscribes the session input and control patterns and runs one
// hostSession per created session.
type Host struct {
	broker   broker.Broker
	shell    string
	tick     time.Duration
	sealer   *crypto.Sealer
	reporter *Reporter
	log      pslog.Logger

	mu       sync.Mutex
	sessions map[string]*hostSession
	sub      broker.Subscription
}

// New validates cfg and builds a Host.
func New(cfg Config) (*Host, error) {
	if cfg.Broker == nil {
		return nil, errors.New("hostsim: broker is required")
	}
	shell := cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	tick := cfg.TaskTick
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	var sealer *crypto.Sealer
	if cfg.MasterSecret != "" {
		sealer = crypto.SealerFromSecret(cfg.MasterSecret)
	}
	return &Host{
		broker:   cfg.Broker,
		shell:    shell,
		tick:     tick,
		sealer:   sealer,
		reporter: cfg.Reporter,
		log:      logger,
		sessions: make(map[string]*hostSession),
	}, nil
}

// Start subscribes every session's input and control topics.
func (h *Host) Start(ctx context.Context) error {
	inputPat, err := topic.Pattern(topic.SessionInput)
	if err != nil {
		return err
	}
	controlPat, err := topic.Pattern(topic.SessionControl)
	if err != nil {
		return err
	}
	sub, err := h.broker.SubscribePattern(ctx, h.onMessage, inputPat, controlPat)
	if err != nil {
		return err
	}
	h.sub = sub
	h.log.Info("host simulator listening", "shell", h.shell)
	return nil
}

// Close stops listening and ends every live session.
func (h *Host) Close() error {
	if h.sub != nil {
		h.sub.Unsubscribe()
		h.sub = nil
	}
	h.mu.Lock()
	sessions := make([]*hostSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.destroy("backend shutdown")
	}
	return nil
}

func (h *Host) onMessage(msg broker.Message) {
	scope, sessionID, err := topic.Parse(msg.Topic)
	if err != nil {
		h.log.Warn("message on unparseable topic", "topic", msg.Topic, "err", err)
		return
	}
	env, err := wire.Decode(msg.Payload)
	if err != nil {
		h.log.Warn("dropping undecodable envelope", "topic", msg.Topic, "err", err)
		return
	}
	if env.SessionID != sessionID {
		h.log.Warn("dropping envelope addressed to another session", "topic", msg.Topic, "got", env.SessionID)
		return
	}

	if scope == topic.SessionInput && env.Type == wire.TypeSessionCreate {
		h.ensureSession(env)
		return
	}

	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		h.log.Debug("no session for envelope", "session", sessionID, "type", string(env.Type))
		return
	}
	s.deliver(env)
}

// ensureSession starts the session on first create and re-announces on
// every later one, so a reconnecting client always gets a fresh
// session.created without a second shell being spawned.
func (h *Host) ensureSession(env *wire.Envelope) {
	h.mu.Lock()
	if s := h.sessions[env.SessionID]; s != nil {
		h.mu.Unlock()
		s.deliver(env)
		return
	}
	h.mu.Unlock()

	meta, _ := env.Meta.(*wire.SessionCreateMeta)
	s, err := newHostSession(h, env.SessionID, meta)
	if err != nil {
		h.log.Error("session start failed", "session", env.SessionID, "err", err)
		h.publishIndexRecord(wire.NewSessionDestroyed(env.SessionID, "host start failed"))
		return
	}
	h.mu.Lock()
	h.sessions[env.SessionID] = s
	h.mu.Unlock()
}

func (h *Host) dropSession(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *Host) publishIndexRecord(env *wire.Envelope) {
	name, err := topic.For(topic.SessionIndex, env.SessionID)
	if err != nil {
		return
	}
	data, err := wire.Encode(env)
	if err != nil {
		return
	}
	if err := h.broker.Publish(context.Background(), name, data); err != nil {
		h.log.Warn("index publish failed", "session", env.SessionID, "err", err)
	}
}
