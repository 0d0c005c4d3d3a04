package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/gurungabit/iast/client"
)

// detachKey is Ctrl-]. In raw mode every other byte, Ctrl-C included, is
// forwarded to the remote terminal.
const detachKey = 0x1d

var errDetached = errors.New("detached")

// AttachCommand connects the invoking terminal to a session. Stdin is
// forwarded raw, session output streams to stdout and window size changes
// propagate as resize commands. Ctrl-] detaches and leaves the remote
// session running; the session ends only when its shell exits.
func AttachCommand(cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: iast attach <session-id>")
	}
	sessionID := args[0]

	socketURL, err := cfg.SocketURL()
	if err != nil {
		return err
	}
	token, err := cfg.ReadToken()
	if err != nil {
		return err
	}

	c, err := client.New(client.Config{
		ServerURL: socketURL,
		Token:     token,
		Terminal:  localTerminalMeta(),
		Logger:    commandLogger(cfg),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	store := c.Store()
	unsubOut := store.SubscribeOutput(sessionID, func(ch client.Chunk) {
		if ch.Notice {
			// Notices carry plain newlines; raw mode needs explicit
			// carriage returns.
			fmt.Fprintf(os.Stdout, "\r\n[iast] %s\r\n", strings.ReplaceAll(ch.Text, "\n", "\r\n"))
			return
		}
		os.Stdout.WriteString(ch.Text)
	})
	defer unsubOut()

	unsubStatus := store.SubscribeStatus(sessionID, func(st client.Status) {
		switch st {
		case client.StatusDisconnected:
			finish(nil)
		case client.StatusError:
			msg := "connection failed"
			if snap, ok := store.Snapshot(sessionID); ok && snap.LastError != "" {
				msg = snap.LastError
			}
			finish(errors.New(msg))
		}
	})
	defer unsubStatus()

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx, sessionID); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGWINCH {
				if cols, rows, sizeErr := term.GetSize(stdinFd); sizeErr == nil {
					c.Resize(sessionID, cols, rows)
				}
				continue
			}
			finish(errDetached)
			return
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := os.Stdin.Read(buf)
			if n > 0 {
				data := buf[:n]
				if i := bytes.IndexByte(data, detachKey); i >= 0 {
					if i > 0 {
						c.SendBytes(sessionID, data[:i])
					}
					finish(errDetached)
					return
				}
				if sendErr := c.SendBytes(sessionID, data); sendErr != nil &&
					!errors.Is(sendErr, client.ErrNotConnected) {
					finish(sendErr)
					return
				}
				// Keystrokes during a reconnect window are dropped, same
				// as typing into a dead ssh.
			}
			if readErr != nil {
				finish(errDetached)
				return
			}
		}
	}()

	err = <-done
	c.Detach(sessionID)
	term.Restore(stdinFd, oldState)
	fmt.Println()
	if errors.Is(err, errDetached) {
		fmt.Printf("Detached. Session %s keeps running; reattach with \"iast attach %s\".\n", sessionID, sessionID)
		return nil
	}
	return err
}
