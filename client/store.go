package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/gurungabit/iast/wire"
	"pkt.systems/pslog"
)

// Status is a session's connection state as seen by the UI.
type Status string

const (
	// StatusDisconnected: no socket and no retry scheduled.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting: first dial in flight.
	StatusConnecting Status = "connecting"
	// StatusConnected: socket open.
	StatusConnected Status = "connected"
	// StatusReconnecting: socket lost, retries scheduled.
	StatusReconnecting Status = "reconnecting"
	// StatusError: retries exhausted or access denied; stays until
	// ResetExpired or a fresh Connect.
	StatusError Status = "error"
)

// Chunk is one replayable entry of a session's output buffer.
type Chunk struct {
	// Text is the displayable content, already decoded.
	Text string
	// Notice marks store-synthesized entries such as the session banner
	// and error markers.
	Notice bool
}

// ExecutionEventKind labels what changed in an execution event.
type ExecutionEventKind string

const (
	// ExecEventStatus: the lifecycle state changed.
	ExecEventStatus ExecutionEventKind = "status"
	// ExecEventProgress: progress fields changed.
	ExecEventProgress ExecutionEventKind = "progress"
	// ExecEventItem: an item result arrived.
	ExecEventItem ExecutionEventKind = "item-result"
	// ExecEventPaused: the authoritative pause echo flipped the state.
	ExecEventPaused ExecutionEventKind = "paused"
)

// ExecutionEvent is delivered to execution observers. Execution is a
// snapshot taken after the event was applied.
type ExecutionEvent struct {
	Kind      ExecutionEventKind
	SessionID string
	Execution Execution
	// Item is set for ExecEventItem.
	Item *ItemResult
}

// Session is a point-in-time copy of one session's state.
type Session struct {
	ID          string
	Status      Status
	Chunks      []Chunk
	Fields      []wire.ScreenField
	Cursor      *wire.Cursor
	LastError   string
	Initialized bool
	// Execution is nil until a run starts or is restored.
	Execution *Execution
}

type sessionState struct {
	status      Status
	chunks      []Chunk
	fields      []wire.ScreenField
	cursor      *wire.Cursor
	lastError   string
	initialized bool
	lastSeq     int64
	exec        *Execution
	outputSubs  map[int]func(Chunk)
	statusSubs  map[int]func(Status)
	execSubs    map[int]func(ExecutionEvent)
}

// Store holds every session the client knows about. It is the single
// source of truth UIs observe; connections feed it and never keep state of
// their own. All methods are safe for concurrent use and observer
// callbacks always run outside the store's locks.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	nextSub  int
	log      pslog.Logger
}

// NewStore constructs an empty store.
func NewStore(logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		sessions: make(map[string]*sessionState),
		log:      logger,
	}
}

// InitSession registers a session with default state. Calling it for an
// existing session changes nothing.
func (s *Store) InitSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return
	}
	s.sessions[id] = &sessionState{
		status:     StatusDisconnected,
		outputSubs: make(map[int]func(Chunk)),
		statusSubs: make(map[int]func(Status)),
		execSubs:   make(map[int]func(ExecutionEvent)),
	}
}

// DestroySession discards a session and everything buffered for it.
func (s *Store) DestroySession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Snapshot copies a session's state.
func (s *Store) Snapshot(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	out := Session{
		ID:          id,
		Status:      st.status,
		Chunks:      append([]Chunk(nil), st.chunks...),
		Fields:      append([]wire.ScreenField(nil), st.fields...),
		LastError:   st.lastError,
		Initialized: st.initialized,
	}
	if st.cursor != nil {
		c := *st.cursor
		out.Cursor = &c
	}
	if st.exec != nil {
		e := st.exec.clone()
		out.Execution = &e
	}
	return out, true
}

// Chunks returns the full output buffer from the beginning. Replaying it
// reconstructs exactly what a continuously connected observer saw;
// consumers keep their own read position.
func (s *Store) Chunks(id string) []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return append([]Chunk(nil), st.chunks...)
}

// Status returns a session's connection state.
func (s *Store) Status(id string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	return st.status, true
}

// Execution returns a snapshot of the session's execution slot.
func (s *Store) Execution(id string) (Execution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok || st.exec == nil {
		return Execution{}, false
	}
	return st.exec.clone(), true
}

// SubscribeOutput registers fn for new output chunks. The returned cancel
// removes the registration; it is safe to call after DestroySession.
func (s *Store) SubscribeOutput(id string, fn func(Chunk)) func() {
	return subscribe(s, id, fn, func(st *sessionState) map[int]func(Chunk) { return st.outputSubs })
}

// SubscribeStatus registers fn for connection status changes.
func (s *Store) SubscribeStatus(id string, fn func(Status)) func() {
	return subscribe(s, id, fn, func(st *sessionState) map[int]func(Status) { return st.statusSubs })
}

// SubscribeExecution registers fn for execution events.
func (s *Store) SubscribeExecution(id string, fn func(ExecutionEvent)) func() {
	return subscribe(s, id, fn, func(st *sessionState) map[int]func(ExecutionEvent) { return st.execSubs })
}

func subscribe[T any](s *Store, id string, fn func(T), pick func(*sessionState) map[int]func(T)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return func() {}
	}
	s.nextSub++
	key := s.nextSub
	pick(st)[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if st, ok := s.sessions[id]; ok {
			delete(pick(st), key)
		}
	}
}

// SetStatus records a connection state change and notifies status
// observers. Repeating the current status is a no-op.
func (s *Store) SetStatus(id string, status Status) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok || st.status == status {
		s.mu.Unlock()
		return
	}
	st.status = status
	subs := statusSubsLocked(st)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

// SetError records a failure message and moves the session to the error
// state. A session already in the error state is left alone, so observers
// hear about a failure exactly once.
func (s *Store) SetError(id, msg string) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok || st.status == StatusError {
		s.mu.Unlock()
		return
	}
	st.lastError = msg
	st.status = StatusError
	subs := statusSubsLocked(st)
	s.mu.Unlock()
	s.log.With("session", id).Warn("session entered error state", "reason", msg)
	for _, fn := range subs {
		fn(StatusError)
	}
}

func statusSubsLocked(st *sessionState) []func(Status) {
	subs := make([]func(Status), 0, len(st.statusSubs))
	for _, fn := range st.statusSubs {
		subs = append(subs, fn)
	}
	return subs
}

func outputSubsLocked(st *sessionState) []func(Chunk) {
	subs := make([]func(Chunk), 0, len(st.outputSubs))
	for _, fn := range st.outputSubs {
		subs = append(subs, fn)
	}
	return subs
}

func execSubsLocked(st *sessionState) []func(ExecutionEvent) {
	subs := make([]func(ExecutionEvent), 0, len(st.execSubs))
	for _, fn := range st.execSubs {
		subs = append(subs, fn)
	}
	return subs
}

// BeginExecution clears the session's execution slot and starts a new run
// in the running state.
func (s *Store) BeginExecution(id, executionID, astName string) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.exec = &Execution{ID: executionID, AstName: astName, Status: wire.ExecRunning}
	snap := st.exec.clone()
	subs := execSubsLocked(st)
	s.mu.Unlock()
	event := ExecutionEvent{Kind: ExecEventStatus, SessionID: id, Execution: snap}
	for _, fn := range subs {
		fn(event)
	}
}

// FailExecution terminates the slot locally. Used when a run command could
// not be handed to the transport.
func (s *Store) FailExecution(id, msg string) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok || st.exec == nil || st.exec.Terminal() {
		s.mu.Unlock()
		return
	}
	st.exec.Status = wire.ExecFailed
	st.exec.Error = msg
	snap := st.exec.clone()
	subs := execSubsLocked(st)
	s.mu.Unlock()
	event := ExecutionEvent{Kind: ExecEventStatus, SessionID: id, Execution: snap}
	for _, fn := range subs {
		fn(event)
	}
}

// RestoreExecution seeds the slot from persisted state, typically fetched
// after a page reload while a run is still in flight.
func (s *Store) RestoreExecution(id string, exec Execution) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	restored := exec.clone()
	st.exec = &restored
	snap := st.exec.clone()
	subs := execSubsLocked(st)
	s.mu.Unlock()
	event := ExecutionEvent{Kind: ExecEventStatus, SessionID: id, Execution: snap}
	for _, fn := range subs {
		fn(event)
	}
}

// Apply dispatches one inbound envelope into session state. Unknown
// sessions, stale execution ids and kinds that only ever travel toward the
// backend are dropped with a log; Apply never fails.
func (s *Store) Apply(env *wire.Envelope) {
	if env == nil {
		return
	}
	s.mu.Lock()
	st, ok := s.sessions[env.SessionID]
	if !ok {
		s.mu.Unlock()
		s.log.With("session", env.SessionID).Debug("dropping envelope for unknown session", "type", env.Type)
		return
	}
	if st.lastSeq != 0 && env.Seq != 0 && env.Seq <= st.lastSeq {
		s.log.With("session", env.SessionID).Debug("sequence regression", "seq", env.Seq, "last", st.lastSeq)
	}
	if env.Seq > st.lastSeq {
		st.lastSeq = env.Seq
	}

	var after []func()
	switch env.Type {
	case wire.TypeData:
		after = s.applyData(env, st)
	case wire.TypeScreenUpdate:
		after = s.applyScreenUpdate(env, st)
	case wire.TypeCursorUpdate:
		if meta, ok := env.Meta.(*wire.CursorUpdateMeta); ok {
			st.cursor = &wire.Cursor{Row: meta.Row, Col: meta.Col}
		}
	case wire.TypeError:
		after = s.applyError(env, st)
	case wire.TypeSessionCreated:
		after = s.applySessionCreated(env, st)
	case wire.TypeSessionDestroyed:
		after = s.applySessionDestroyed(env, st)
	case wire.TypePong:
		// Liveness answers carry no state.
	case wire.TypeTaskStatus, wire.TypeTaskProgress, wire.TypeTaskItemResult, wire.TypeTaskPaused:
		after = s.applyExecution(env, st)
	default:
		s.log.With("session", env.SessionID).Debug("dropping unexpected inbound kind", "type", env.Type)
	}
	s.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

func (s *Store) appendChunkLocked(st *sessionState, c Chunk) []func() {
	st.chunks = append(st.chunks, c)
	subs := outputSubsLocked(st)
	if len(subs) == 0 {
		return nil
	}
	return []func(){func() {
		for _, fn := range subs {
			fn(c)
		}
	}}
}

func (s *Store) applyData(env *wire.Envelope, st *sessionState) []func() {
	text, err := env.DecodedPayload()
	if err != nil {
		s.log.With("session", env.SessionID).Warn("dropping undecodable data payload", "err", err)
		return nil
	}
	return s.appendChunkLocked(st, Chunk{Text: string(text)})
}

func (s *Store) applyScreenUpdate(env *wire.Envelope, st *sessionState) []func() {
	if meta, ok := env.Meta.(*wire.ScreenUpdateMeta); ok && meta != nil {
		st.fields = append([]wire.ScreenField(nil), meta.Fields...)
		st.cursor = nil
		if meta.Cursor != nil {
			c := *meta.Cursor
			st.cursor = &c
		}
	}
	if env.Payload == "" {
		return nil
	}
	return s.appendChunkLocked(st, Chunk{Text: env.Payload})
}

func (s *Store) applyError(env *wire.Envelope, st *sessionState) []func() {
	st.lastError = env.Payload
	return s.appendChunkLocked(st, Chunk{Text: fmt.Sprintf("[error] %s", env.Payload), Notice: true})
}

func (s *Store) applySessionCreated(env *wire.Envelope, st *sessionState) []func() {
	if st.initialized {
		return nil
	}
	st.initialized = true
	banner := "Session started"
	if meta, ok := env.Meta.(*wire.SessionCreatedMeta); ok && meta != nil && meta.Shell != "" {
		banner = fmt.Sprintf("Session started (%s)", meta.Shell)
	}
	return s.appendChunkLocked(st, Chunk{Text: banner, Notice: true})
}

func (s *Store) applySessionDestroyed(env *wire.Envelope, st *sessionState) []func() {
	reason := ""
	if meta, ok := env.Meta.(*wire.SessionDestroyedMeta); ok && meta != nil {
		reason = meta.Reason
	}
	text := "Session ended"
	if reason != "" {
		text = fmt.Sprintf("Session ended (%s)", reason)
	}
	after := s.appendChunkLocked(st, Chunk{Text: text, Notice: true})
	if st.status != StatusDisconnected {
		st.status = StatusDisconnected
		subs := statusSubsLocked(st)
		after = append(after, func() {
			for _, fn := range subs {
				fn(StatusDisconnected)
			}
		})
	}
	return after
}

func (s *Store) applyExecution(env *wire.Envelope, st *sessionState) []func() {
	if st.exec == nil {
		s.log.With("session", env.SessionID).Debug("dropping execution event without execution", "type", env.Type)
		return nil
	}
	var (
		kind    ExecutionEventKind
		item    *ItemResult
		changed bool
	)
	switch meta := env.Meta.(type) {
	case *wire.TaskStatusMeta:
		kind, changed = ExecEventStatus, st.exec.applyStatus(meta)
	case *wire.TaskProgressMeta:
		kind, changed = ExecEventProgress, st.exec.applyProgress(meta)
	case *wire.TaskItemResultMeta:
		var it ItemResult
		it, changed = st.exec.applyItem(meta)
		kind, item = ExecEventItem, &it
	case *wire.TaskPausedMeta:
		kind, changed = ExecEventPaused, st.exec.applyPaused(meta)
	default:
		s.log.With("session", env.SessionID).Debug("execution envelope with unexpected meta", "type", env.Type)
		return nil
	}
	if !changed {
		return nil
	}
	snap := st.exec.clone()
	subs := execSubsLocked(st)
	if len(subs) == 0 {
		return nil
	}
	event := ExecutionEvent{Kind: kind, SessionID: env.SessionID, Execution: snap, Item: item}
	return []func(){func() {
		for _, fn := range subs {
			fn(event)
		}
	}}
}
