// Package wire defines the JSON envelope exchanged between clients, the
// relay and execution backends, and the codec for it.
//
// Every frame on a socket and every broker message is exactly one envelope.
// The envelope is transport-agnostic: the relay forwards backend-originated
// envelopes without interpreting payloads, so the shape here is the single
// source of truth for all three parties.
package wire

import (
	"encoding/base64"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Type identifies the kind of traffic an envelope carries. The set is
// closed; decoding an unlisted type fails.
type Type string

const (
	// TypeData carries terminal bytes (either direction).
	TypeData Type = "data"
	// TypeResize requests a terminal resize.
	TypeResize Type = "resize"
	// TypePing is a client liveness probe; the relay answers with pong.
	TypePing Type = "ping"
	// TypePong answers a ping.
	TypePong Type = "pong"
	// TypeError reports a backend error; payload is the message.
	TypeError Type = "error"
	// TypeSessionCreate asks the backend to start a terminal session.
	TypeSessionCreate Type = "session.create"
	// TypeSessionCreated acknowledges a started session.
	TypeSessionCreated Type = "session.created"
	// TypeSessionDestroy asks the backend to end a session.
	TypeSessionDestroy Type = "session.destroy"
	// TypeSessionDestroyed announces an ended session.
	TypeSessionDestroyed Type = "session.destroyed"
	// TypeScreenUpdate carries a rendered screen snapshot with field metadata.
	TypeScreenUpdate Type = "screen-update"
	// TypeCursorUpdate moves the cursor without changing screen content.
	TypeCursorUpdate Type = "cursor-update"
	// TypeTaskRun starts an automated task against a session.
	TypeTaskRun Type = "task.run"
	// TypeTaskPause asks the backend to pause a running task.
	TypeTaskPause Type = "task.pause"
	// TypeTaskResume asks the backend to resume a paused task.
	TypeTaskResume Type = "task.resume"
	// TypeTaskCancel asks the backend to cancel a task.
	TypeTaskCancel Type = "task.cancel"
	// TypeTaskStatus reports a task status transition.
	TypeTaskStatus Type = "task.status"
	// TypeTaskProgress reports task progress.
	TypeTaskProgress Type = "task.progress"
	// TypeTaskItemResult reports one completed work item.
	TypeTaskItemResult Type = "task.item-result"
	// TypeTaskPaused echoes the authoritative paused/resumed state.
	TypeTaskPaused Type = "task.paused"
)

var knownTypes = map[Type]struct{}{
	TypeData: {}, TypeResize: {}, TypePing: {}, TypePong: {}, TypeError: {},
	TypeSessionCreate: {}, TypeSessionCreated: {}, TypeSessionDestroy: {},
	TypeSessionDestroyed: {}, TypeScreenUpdate: {}, TypeCursorUpdate: {},
	TypeTaskRun: {}, TypeTaskPause: {}, TypeTaskResume: {}, TypeTaskCancel: {},
	TypeTaskStatus: {}, TypeTaskProgress: {}, TypeTaskItemResult: {},
	TypeTaskPaused: {},
}

// Valid reports whether t is part of the closed type set.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Encoding describes how Payload is encoded on the wire.
type Encoding string

const (
	// EncodingUTF8 is the default: payload is plain text.
	EncodingUTF8 Encoding = "utf-8"
	// EncodingBase64 wraps binary-unsafe payloads.
	EncodingBase64 Encoding = "base64"
)

// Valid reports whether e is a recognized encoding.
func (e Encoding) Valid() bool {
	return e == EncodingUTF8 || e == EncodingBase64
}

// Envelope is the protocol message. One JSON object per frame.
type Envelope struct {
	// SessionID is the session the message belongs to. Never empty.
	SessionID string `json:"sessionId"`
	// Type is the message kind.
	Type Type `json:"type"`
	// Payload is the textual payload; interpretation depends on Type.
	Payload string `json:"payload,omitempty"`
	// Meta is the typed metadata for Type, nil for kinds without any.
	Meta Meta `json:"meta,omitempty"`
	// Timestamp is wall-clock milliseconds since epoch at send time.
	Timestamp int64 `json:"timestamp"`
	// Encoding says how Payload is encoded. Empty decodes as utf-8.
	Encoding Encoding `json:"encoding"`
	// Seq is the sender's per-process monotonic sequence number.
	Seq int64 `json:"seq"`
}

// DecodedPayload returns the payload bytes after undoing the wire encoding.
func (e *Envelope) DecodedPayload() ([]byte, error) {
	if e.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(e.Payload)
	}
	return []byte(e.Payload), nil
}

var seqCounter atomic.Int64

// NextSeq returns the next per-process sequence number. Values are strictly
// increasing within a process; they restart after a crash, so consumers may
// only reason about ordering, never about gaps.
func NextSeq() int64 {
	return seqCounter.Add(1)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func newEnvelope(t Type, sessionID, payload string, enc Encoding, meta Meta) *Envelope {
	return &Envelope{
		SessionID: sessionID,
		Type:      t,
		Payload:   payload,
		Meta:      meta,
		Timestamp: nowMillis(),
		Encoding:  enc,
		Seq:       NextSeq(),
	}
}

// NewData builds a data envelope for textual input such as keystrokes.
// Text that is not valid UTF-8 is wrapped in base64.
func NewData(sessionID, text string) *Envelope {
	if !utf8.ValidString(text) {
		return NewDataBytes(sessionID, []byte(text))
	}
	return newEnvelope(TypeData, sessionID, text, EncodingUTF8, nil)
}

// NewDataBytes builds a base64 data envelope for raw terminal bytes.
func NewDataBytes(sessionID string, data []byte) *Envelope {
	return newEnvelope(TypeData, sessionID, base64.StdEncoding.EncodeToString(data), EncodingBase64, nil)
}

// NewResize builds a resize request.
func NewResize(sessionID string, cols, rows int) *Envelope {
	return newEnvelope(TypeResize, sessionID, "", EncodingUTF8, &ResizeMeta{Cols: cols, Rows: rows})
}

// NewPing builds a liveness probe.
func NewPing(sessionID string) *Envelope {
	return newEnvelope(TypePing, sessionID, "", EncodingUTF8, nil)
}

// NewPong answers a ping.
func NewPong(sessionID string) *Envelope {
	return newEnvelope(TypePong, sessionID, "", EncodingUTF8, nil)
}

// NewError builds an error report; code is optional.
func NewError(sessionID, code, message string) *Envelope {
	var meta Meta
	if code != "" {
		meta = &ErrorMeta{Code: code}
	}
	return newEnvelope(TypeError, sessionID, message, EncodingUTF8, meta)
}

// NewSessionCreate builds a session start request. meta may be nil when the
// backend's defaults are acceptable.
func NewSessionCreate(sessionID string, meta *SessionCreateMeta) *Envelope {
	var m Meta
	if meta != nil {
		m = meta
	}
	return newEnvelope(TypeSessionCreate, sessionID, "", EncodingUTF8, m)
}

// NewSessionCreated acknowledges a started session.
func NewSessionCreated(sessionID string, meta *SessionCreatedMeta) *Envelope {
	var m Meta
	if meta != nil {
		m = meta
	}
	return newEnvelope(TypeSessionCreated, sessionID, "", EncodingUTF8, m)
}

// NewSessionDestroy builds a session end request.
func NewSessionDestroy(sessionID string) *Envelope {
	return newEnvelope(TypeSessionDestroy, sessionID, "", EncodingUTF8, nil)
}

// NewSessionDestroyed announces an ended session.
func NewSessionDestroyed(sessionID, reason string) *Envelope {
	var meta Meta
	if reason != "" {
		meta = &SessionDestroyedMeta{Reason: reason}
	}
	return newEnvelope(TypeSessionDestroyed, sessionID, "", EncodingUTF8, meta)
}

// NewScreenUpdate builds a screen snapshot. text is the rendered screen,
// meta carries the structured field map and may be nil.
func NewScreenUpdate(sessionID, text string, meta *ScreenUpdateMeta) *Envelope {
	var m Meta
	if meta != nil {
		m = meta
	}
	return newEnvelope(TypeScreenUpdate, sessionID, text, EncodingUTF8, m)
}

// NewCursorUpdate builds a cursor move.
func NewCursorUpdate(sessionID string, row, col int) *Envelope {
	return newEnvelope(TypeCursorUpdate, sessionID, "", EncodingUTF8, &CursorUpdateMeta{Row: row, Col: col})
}

// NewTaskRun builds a task start command.
func NewTaskRun(sessionID string, meta *TaskRunMeta) *Envelope {
	return newEnvelope(TypeTaskRun, sessionID, "", EncodingUTF8, meta)
}

// NewTaskControl builds a pause, resume or cancel command. t must be one of
// TypeTaskPause, TypeTaskResume or TypeTaskCancel.
func NewTaskControl(t Type, sessionID, executionID string) *Envelope {
	return newEnvelope(t, sessionID, "", EncodingUTF8, &TaskControlMeta{ExecutionID: executionID})
}

// NewTaskStatus reports a status transition.
func NewTaskStatus(sessionID string, meta *TaskStatusMeta) *Envelope {
	return newEnvelope(TypeTaskStatus, sessionID, "", EncodingUTF8, meta)
}

// NewTaskProgress reports progress.
func NewTaskProgress(sessionID string, meta *TaskProgressMeta) *Envelope {
	return newEnvelope(TypeTaskProgress, sessionID, "", EncodingUTF8, meta)
}

// NewTaskItemResult reports one finished work item.
func NewTaskItemResult(sessionID string, meta *TaskItemResultMeta) *Envelope {
	return newEnvelope(TypeTaskItemResult, sessionID, "", EncodingUTF8, meta)
}

// NewTaskPaused echoes the authoritative paused state.
func NewTaskPaused(sessionID, executionID string, paused bool) *Envelope {
	return newEnvelope(TypeTaskPaused, sessionID, "", EncodingUTF8, &TaskPausedMeta{ExecutionID: executionID, Paused: paused})
}
