package wire

import (
	"encoding/json"
	"fmt"
)

// DecodeError describes why a frame was rejected. Consumers treat any
// decode failure the same way (drop the frame, keep the connection), but
// the field/reason split keeps logs actionable.
type DecodeError struct {
	// Field is the offending envelope field, empty for malformed JSON.
	Field string
	// Reason is a short human-readable cause.
	Reason string
	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("wire: invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	case e.Field != "":
		return fmt.Sprintf("wire: invalid %s: %s", e.Field, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("wire: %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("wire: %s", e.Reason)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode renders an envelope to its wire form.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("wire: encode nil envelope")
	}
	return json.Marshal(shadow{
		SessionID: e.SessionID,
		Type:      e.Type,
		Payload:   e.Payload,
		Meta:      marshalMeta(e.Meta),
		Timestamp: e.Timestamp,
		Encoding:  e.Encoding,
		Seq:       e.Seq,
	})
}

// shadow is the raw JSON shape; Meta stays opaque until the type is known.
type shadow struct {
	SessionID string          `json:"sessionId"`
	Type      Type            `json:"type"`
	Payload   string          `json:"payload,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Encoding  Encoding        `json:"encoding"`
	Seq       int64           `json:"seq"`
}

func marshalMeta(m Meta) json.RawMessage {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// Meta structs are plain data; this cannot fail for values built
		// through this package.
		return nil
	}
	return raw
}

// Decode parses and validates one frame. Failures are always a
// *DecodeError; Decode never panics on hostile input.
func Decode(data []byte) (*Envelope, error) {
	var raw shadow
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if raw.Type == "" {
		return nil, &DecodeError{Field: "type", Reason: "missing"}
	}
	if !raw.Type.Valid() {
		return nil, &DecodeError{Field: "type", Reason: fmt.Sprintf("unknown type %q", raw.Type)}
	}
	if raw.SessionID == "" {
		return nil, &DecodeError{Field: "sessionId", Reason: "missing"}
	}
	if raw.Timestamp <= 0 {
		return nil, &DecodeError{Field: "timestamp", Reason: "missing or non-positive"}
	}
	if raw.Seq < 0 {
		return nil, &DecodeError{Field: "seq", Reason: "negative"}
	}
	enc := raw.Encoding
	if enc == "" {
		enc = EncodingUTF8
	}
	if !enc.Valid() {
		return nil, &DecodeError{Field: "encoding", Reason: fmt.Sprintf("unknown encoding %q", raw.Encoding)}
	}
	meta, err := decodeMeta(raw.Type, raw.Meta)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		SessionID: raw.SessionID,
		Type:      raw.Type,
		Payload:   raw.Payload,
		Meta:      meta,
		Timestamp: raw.Timestamp,
		Encoding:  enc,
		Seq:       raw.Seq,
	}, nil
}

// UnmarshalJSON applies the same strict rules as Decode so an envelope
// embedded in a larger document decodes identically to a raw frame.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	dec, err := Decode(data)
	if err != nil {
		return err
	}
	*e = *dec
	return nil
}

// MarshalJSON renders through Encode so both paths agree.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return Encode(e)
}

// decodeMeta picks the concrete meta type for t. Kinds without a meta type
// ignore whatever was sent; kinds that need meta reject its absence.
func decodeMeta(t Type, raw json.RawMessage) (Meta, error) {
	hasRaw := len(raw) > 0 && string(raw) != "null"

	parse := func(dst Meta) (Meta, error) {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, &DecodeError{Field: "meta", Reason: fmt.Sprintf("bad meta for %s", t), Err: err}
		}
		return dst, nil
	}
	need := func(dst Meta) (Meta, error) {
		if !hasRaw {
			return nil, &DecodeError{Field: "meta", Reason: fmt.Sprintf("%s requires meta", t)}
		}
		return parse(dst)
	}
	optional := func(dst Meta) (Meta, error) {
		if !hasRaw {
			return nil, nil
		}
		return parse(dst)
	}

	switch t {
	case TypeResize:
		m, err := need(&ResizeMeta{})
		if err != nil {
			return nil, err
		}
		rm := m.(*ResizeMeta)
		if rm.Cols <= 0 || rm.Rows <= 0 {
			return nil, &DecodeError{Field: "meta", Reason: "resize requires positive cols and rows"}
		}
		return rm, nil
	case TypeSessionCreate:
		return optional(&SessionCreateMeta{})
	case TypeSessionCreated:
		return optional(&SessionCreatedMeta{})
	case TypeSessionDestroyed:
		return optional(&SessionDestroyedMeta{})
	case TypeError:
		return optional(&ErrorMeta{})
	case TypeScreenUpdate:
		return optional(&ScreenUpdateMeta{})
	case TypeCursorUpdate:
		return need(&CursorUpdateMeta{})
	case TypeTaskRun:
		m, err := need(&TaskRunMeta{})
		if err != nil {
			return nil, err
		}
		tm := m.(*TaskRunMeta)
		if tm.ExecutionID == "" {
			return nil, &DecodeError{Field: "meta", Reason: "task.run requires executionId"}
		}
		if tm.AstName == "" {
			return nil, &DecodeError{Field: "meta", Reason: "task.run requires astName"}
		}
		return tm, nil
	case TypeTaskPause, TypeTaskResume, TypeTaskCancel:
		m, err := need(&TaskControlMeta{})
		if err != nil {
			return nil, err
		}
		cm := m.(*TaskControlMeta)
		if cm.ExecutionID == "" {
			return nil, &DecodeError{Field: "meta", Reason: fmt.Sprintf("%s requires executionId", t)}
		}
		return cm, nil
	case TypeTaskStatus:
		m, err := need(&TaskStatusMeta{})
		if err != nil {
			return nil, err
		}
		sm := m.(*TaskStatusMeta)
		if sm.ExecutionID == "" {
			return nil, &DecodeError{Field: "meta", Reason: "task.status requires executionId"}
		}
		if !sm.Status.Valid() {
			return nil, &DecodeError{Field: "meta", Reason: fmt.Sprintf("unknown status %q", sm.Status)}
		}
		return sm, nil
	case TypeTaskProgress:
		m, err := need(&TaskProgressMeta{})
		if err != nil {
			return nil, err
		}
		pm := m.(*TaskProgressMeta)
		if pm.ExecutionID == "" {
			return nil, &DecodeError{Field: "meta", Reason: "task.progress requires executionId"}
		}
		return pm, nil
	case TypeTaskItemResult:
		m, err := need(&TaskItemResultMeta{})
		if err != nil {
			return nil, err
		}
		im := m.(*TaskItemResultMeta)
		if im.ExecutionID == "" {
			return nil, &DecodeError{Field: "meta", Reason: "task.item-result requires executionId"}
		}
		if im.ItemID == "" {
			return nil, &DecodeError{Field: "meta", Reason: "task.item-result requires itemId"}
		}
		return im, nil
	case TypeTaskPaused:
		m, err := need(&TaskPausedMeta{})
		if err != nil {
			return nil, err
		}
		pm := m.(*TaskPausedMeta)
		if pm.ExecutionID == "" {
			return nil, &DecodeError{Field: "meta", Reason: "task.paused requires executionId"}
		}
		return pm, nil
	default:
		// data, ping, pong, session.destroy carry no meta.
		return nil, nil
	}
}
