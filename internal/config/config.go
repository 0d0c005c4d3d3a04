package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr         string
	DatabasePath string
	MasterSecret string
	// RedisAddr selects the Redis-backed broker when set; empty means the
	// in-process broker, which only works for single-node deployments.
	RedisAddr string
	// LogFile enables rotated file logging next to stderr when set.
	LogFile string
	// MaxSessionsPerUser caps concurrently attached streams per user.
	MaxSessionsPerUser int
	// AccessKeys maps access keys to user ids for POST /v1/auth.
	AccessKeys     map[string]string
	Debug          bool
	AllowedOrigins []string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr               *string
	DatabasePath       *string
	MasterSecret       *string
	RedisAddr          *string
	LogFile            *string
	MaxSessionsPerUser *int
	AccessKeys         map[string]string
	Debug              *bool
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
//
// Environment:
//
//	PORT                        listen port, default 3005
//	IAST_DATABASE_PATH          sqlite path, default ./iast.db
//	IAST_MASTER_SECRET          required; derives signing and sealing keys
//	IAST_REDIS_ADDR             host:port of Redis, empty for in-process broker
//	IAST_LOG_FILE               rotated log file path, empty for stderr only
//	IAST_MAX_SESSIONS_PER_USER  default 8
//	IAST_ACCESS_KEYS            comma-separated key:user pairs
//	DEBUG                       "true"/"1" enables debug logging
func Load(overrides Overrides) (*Config, error) {
	port := 3005
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("IAST_DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./iast.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	masterSecret := os.Getenv("IAST_MASTER_SECRET")
	if overrides.MasterSecret != nil {
		masterSecret = *overrides.MasterSecret
	}
	if masterSecret == "" {
		return nil, fmt.Errorf("IAST_MASTER_SECRET environment variable is required")
	}

	redisAddr := os.Getenv("IAST_REDIS_ADDR")
	if overrides.RedisAddr != nil {
		redisAddr = *overrides.RedisAddr
	}

	logFile := os.Getenv("IAST_LOG_FILE")
	if overrides.LogFile != nil {
		logFile = *overrides.LogFile
	}

	maxSessions := 8
	if maxStr := os.Getenv("IAST_MAX_SESSIONS_PER_USER"); maxStr != "" {
		if m, err := strconv.Atoi(maxStr); err == nil && m > 0 {
			maxSessions = m
		}
	}
	if overrides.MaxSessionsPerUser != nil {
		maxSessions = *overrides.MaxSessionsPerUser
	}

	accessKeys, err := parseAccessKeys(os.Getenv("IAST_ACCESS_KEYS"))
	if err != nil {
		return nil, err
	}
	if overrides.AccessKeys != nil {
		accessKeys = overrides.AccessKeys
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	return &Config{
		Addr:               addr,
		DatabasePath:       dbPath,
		MasterSecret:       masterSecret,
		RedisAddr:          redisAddr,
		LogFile:            logFile,
		MaxSessionsPerUser: maxSessions,
		AccessKeys:         accessKeys,
		Debug:              debug,
		AllowedOrigins:     []string{"*"}, // For self-hosted, allow all origins
	}, nil
}

// parseAccessKeys parses "key:user" pairs separated by commas.
func parseAccessKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	if raw == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("invalid IAST_ACCESS_KEYS entry %q, want key:user", pair)
		}
		keys[key] = user
	}
	return keys, nil
}
