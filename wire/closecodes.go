package wire

import (
	"errors"

	"github.com/gorilla/websocket"
)

// WebSocket close codes in the application range. The relay distinguishes
// these so browser clients can tell "the far end hung up" from "you are not
// allowed in" without parsing close reasons.
const (
	// ClosePeerEnded: the backend session terminated; reconnecting is
	// pointless until a new session exists.
	ClosePeerEnded = 4000
	// CloseSuperseded: a newer connection claimed this session.
	CloseSuperseded = 4002
	// CloseAuthRequired: no token was presented.
	CloseAuthRequired = 4401
	// CloseAuthRejected: the token or session ownership check failed.
	CloseAuthRejected = 4403
	// CloseSessionLimit: the identity's concurrent session cap is reached.
	CloseSessionLimit = 4429
	// CloseTransportError: the relay hit an internal transport fault.
	CloseTransportError = 4500
)

// CloseCode extracts the close code from a read error, if it is one.
func CloseCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// IntentionalClose reports whether a close code means the client should not
// reconnect on its own.
func IntentionalClose(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, ClosePeerEnded, CloseSuperseded,
		CloseAuthRequired, CloseAuthRejected, CloseSessionLimit:
		return true
	}
	return false
}
