// Package cli implements the iast command line: authentication, session
// CRUD against the HTTP API, interactive terminal attach and task runs
// over the relay socket.
package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the CLI's local configuration, loaded from environment
// variables with sensible single-machine defaults.
type Config struct {
	// ServerURL is the base URL of the iast server API.
	ServerURL string
	// Home is the directory where iast stores local state.
	Home string
	// TokenPath is the bearer token file inside Home.
	TokenPath string
	// Debug enables verbose logging.
	Debug bool
}

// LoadConfig loads CLI configuration from environment and defaults.
//
//	IAST_SERVER_URL  server base URL, default http://localhost:3005
//	IAST_HOME_DIR    state directory, default ~/.iast
//	DEBUG            "true"/"1" enables verbose logging
func LoadConfig() (*Config, error) {
	home := os.Getenv("IAST_HOME_DIR")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		home = filepath.Join(userHome, ".iast")
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("failed to create iast home: %w", err)
	}

	serverURL := os.Getenv("IAST_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:3005"
	}
	serverURL = strings.TrimRight(serverURL, "/")

	debug := os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"

	return &Config{
		ServerURL: serverURL,
		Home:      home,
		TokenPath: filepath.Join(home, "token"),
		Debug:     debug,
	}, nil
}

// SocketURL derives the relay stream endpoint from the server base URL.
func (c *Config) SocketURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.ServerURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/socket"
	return u.String(), nil
}

// ReadToken loads the saved bearer token.
func (c *Config) ReadToken() (string, error) {
	data, err := os.ReadFile(c.TokenPath)
	if err != nil {
		return "", fmt.Errorf("not authenticated, run \"iast auth <access-key>\" first")
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteToken persists the bearer token for later commands.
func (c *Config) WriteToken(token string) error {
	if err := os.WriteFile(c.TokenPath, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}
