package cli

import (
	"io"
	"os"

	"golang.org/x/term"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/wire"
)

// commandLogger returns the logger handed to the socket client. Protocol
// logs would corrupt interactive terminal output, so they are discarded
// unless DEBUG is set, in which case they go to stderr.
func commandLogger(cfg *Config) pslog.Logger {
	if cfg.Debug {
		return pslog.LoggerFromEnv(
			pslog.WithEnvWriter(os.Stderr),
			pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.DebugLevel}),
		)
	}
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

// localTerminalMeta captures the invoking terminal's geometry and model so
// the backend can size the remote pty to match.
func localTerminalMeta() *wire.SessionCreateMeta {
	meta := &wire.SessionCreateMeta{Term: os.Getenv("TERM")}
	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		meta.Cols = cols
		meta.Rows = rows
	}
	return meta
}
