package relay

import "github.com/gurungabit/iast/wire"

// route names where a client envelope goes. The relay classifies by
// envelope type only; payload and meta pass through untouched.
type route int

const (
	// routeDrop discards the envelope. Backend-to-client kinds arriving
	// from a client are spoofing attempts or bugs, never forwarded.
	routeDrop route = iota
	// routePong answers the envelope locally without touching the broker.
	routePong
	// routeInput publishes to the session's input topic.
	routeInput
	// routeControl publishes to the session's control topic.
	routeControl
)

func routeOf(t wire.Type) route {
	switch t {
	case wire.TypePing:
		return routePong
	case wire.TypeData, wire.TypeResize, wire.TypePong,
		wire.TypeSessionCreate, wire.TypeSessionDestroy:
		return routeInput
	case wire.TypeTaskRun, wire.TypeTaskPause, wire.TypeTaskResume, wire.TypeTaskCancel:
		return routeControl
	default:
		return routeDrop
	}
}
