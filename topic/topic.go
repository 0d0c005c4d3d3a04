// Package topic names the broker channels the protocol rides on.
//
// Naming is pure string work: "{prefix}.{category}.{sessionId}" for
// session-scoped traffic plus one fixed global control channel. Every topic
// carries exactly one direction, so a given name always has one publishing
// side and one subscribing side.
package topic

import (
	"fmt"
	"strings"
)

// Scope identifies a channel family.
type Scope string

const (
	// SessionInput is client-to-backend terminal traffic and session
	// lifecycle requests. The relay publishes, the backend subscribes.
	SessionInput Scope = "session-input"
	// SessionOutput is backend-to-client traffic, including task
	// telemetry. The backend publishes, the relay subscribes.
	SessionOutput Scope = "session-output"
	// SessionControl is client-to-backend task commands.
	SessionControl Scope = "session-control"
	// SessionIndex carries backend lifecycle records for a session; the
	// relay watches it for termination.
	SessionIndex Scope = "session-index"
	// GlobalControl is the fixed cross-session orchestration channel.
	GlobalControl Scope = "global-control"
)

// Prefix is the first segment of every topic name.
const Prefix = "iast"

var categories = map[Scope]string{
	SessionInput:   "input",
	SessionOutput:  "output",
	SessionControl: "control",
	SessionIndex:   "index",
}

var scopesByCategory = map[string]Scope{
	"input":   SessionInput,
	"output":  SessionOutput,
	"control": SessionControl,
	"index":   SessionIndex,
}

// ValidSessionID reports whether id is safe to embed in a topic name.
func ValidSessionID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*? ")
}

// For returns the topic name for a scope. GlobalControl takes no session
// id; every other scope requires one.
func For(scope Scope, sessionID string) (string, error) {
	if scope == GlobalControl {
		if sessionID != "" {
			return "", fmt.Errorf("topic: global-control takes no session id")
		}
		return Prefix + ".control", nil
	}
	cat, ok := categories[scope]
	if !ok {
		return "", fmt.Errorf("topic: unknown scope %q", scope)
	}
	if !ValidSessionID(sessionID) {
		return "", fmt.Errorf("topic: invalid session id %q", sessionID)
	}
	return fmt.Sprintf("%s.%s.%s", Prefix, cat, sessionID), nil
}

// Parse inverts For.
func Parse(name string) (Scope, string, error) {
	parts := strings.Split(name, ".")
	if len(parts) < 2 || parts[0] != Prefix {
		return "", "", fmt.Errorf("topic: %q is not a %s topic", name, Prefix)
	}
	switch len(parts) {
	case 2:
		if parts[1] != "control" {
			return "", "", fmt.Errorf("topic: unknown global topic %q", name)
		}
		return GlobalControl, "", nil
	case 3:
		scope, ok := scopesByCategory[parts[1]]
		if !ok {
			return "", "", fmt.Errorf("topic: unknown category %q", parts[1])
		}
		if parts[2] == "" {
			return "", "", fmt.Errorf("topic: empty session id in %q", name)
		}
		return scope, parts[2], nil
	default:
		return "", "", fmt.Errorf("topic: malformed name %q", name)
	}
}

// Pattern returns the subscription pattern matching every topic of a
// session scope, or the exact name for GlobalControl.
func Pattern(scope Scope) (string, error) {
	if scope == GlobalControl {
		return Prefix + ".control", nil
	}
	cat, ok := categories[scope]
	if !ok {
		return "", fmt.Errorf("topic: unknown scope %q", scope)
	}
	return fmt.Sprintf("%s.%s.*", Prefix, cat), nil
}
