package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gurungabit/iast/client"
	"github.com/gurungabit/iast/internal/crypto"
	"github.com/gurungabit/iast/wire"
)

// RunCommand starts a task against a session and streams its telemetry
// until the run reaches a terminal state. The first Ctrl-C requests a
// cancel; a second abandons the watch with the run still active.
func RunCommand(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	paramsFile := fs.String("params", "", "YAML file with task parameters")
	credsFile := fs.String("credentials", "", "YAML file with credentials, sealed with IAST_MASTER_SECRET before sending")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: iast run [-params file] [-credentials file] <session-id> <ast-name>")
	}
	sessionID, astName := rest[0], rest[1]

	req := client.TaskRequest{AstName: astName}
	var err error
	if req.Params, err = loadKVFile(*paramsFile); err != nil {
		return err
	}
	if req.Credentials, err = loadKVFile(*credsFile); err != nil {
		return err
	}

	socketURL, err := cfg.SocketURL()
	if err != nil {
		return err
	}
	token, err := cfg.ReadToken()
	if err != nil {
		return err
	}
	ccfg := client.Config{
		ServerURL: socketURL,
		Token:     token,
		Terminal:  localTerminalMeta(),
		Logger:    commandLogger(cfg),
	}
	if len(req.Credentials) > 0 {
		secret := os.Getenv("IAST_MASTER_SECRET")
		if secret == "" {
			return errors.New("-credentials requires IAST_MASTER_SECRET, the secret shared with the backend")
		}
		ccfg.Sealer = crypto.SealerFromSecret(secret)
	}

	c, err := client.New(ccfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx, sessionID); err != nil {
		return err
	}
	defer c.Detach(sessionID)
	if err := waitConnected(c.Store(), sessionID, 15*time.Second); err != nil {
		return err
	}

	done := make(chan error, 1)
	printer := newTaskPrinter(os.Stdout)
	unsub := c.Store().SubscribeExecution(sessionID, func(ev client.ExecutionEvent) {
		printer.event(ev)
		if ev.Execution.Terminal() {
			select {
			case done <- execOutcome(ev.Execution):
			default:
			}
		}
	})
	defer unsub()

	execID, err := c.RunTask(sessionID, req)
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	fmt.Printf("Started %s as execution %s\n", astName, execID)

	return awaitExecution(c, sessionID, execID, done)
}

// awaitExecution waits for the terminal outcome. The first interrupt asks
// the backend to cancel; the second abandons the watch.
func awaitExecution(c *client.Client, sessionID, execID string, done <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-done:
		return err
	case <-sigCh:
		fmt.Println("Interrupt: cancelling execution (Ctrl-C again to abandon the watch)")
		if cancelErr := c.CancelTask(sessionID); cancelErr != nil &&
			!errors.Is(cancelErr, client.ErrExecutionFinished) {
			return cancelErr
		}
		select {
		case err := <-done:
			return err
		case <-sigCh:
			return fmt.Errorf("abandoned; execution %s may still be running on the backend", execID)
		}
	}
}

// loadKVFile reads a flat YAML mapping. Scalar values of any YAML type are
// accepted and carried as strings.
func loadKVFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// waitConnected blocks until the session's socket is up. Error states and
// the timeout both fail the wait.
func waitConnected(store *client.Store, sessionID string, timeout time.Duration) error {
	ready := make(chan error, 1)
	report := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}
	unsub := store.SubscribeStatus(sessionID, func(st client.Status) {
		switch st {
		case client.StatusConnected:
			report(nil)
		case client.StatusError:
			msg := "connection failed"
			if snap, ok := store.Snapshot(sessionID); ok && snap.LastError != "" {
				msg = snap.LastError
			}
			report(errors.New(msg))
		}
	})
	defer unsub()

	// Subscribe first, then check, so a flip between the two is not missed.
	if st, ok := store.Status(sessionID); ok && st == client.StatusConnected {
		return nil
	}
	select {
	case err := <-ready:
		return err
	case <-time.After(timeout):
		return errors.New("timed out waiting for the session connection")
	}
}

// execOutcome maps a terminal execution to the command's exit error.
func execOutcome(exec client.Execution) error {
	switch exec.Status {
	case wire.ExecSuccess:
		return nil
	case wire.ExecCancelled:
		return errors.New("execution cancelled")
	case wire.ExecTimeout:
		if exec.Error != "" {
			return fmt.Errorf("execution timed out: %s", exec.Error)
		}
		return errors.New("execution timed out")
	default:
		if exec.Error != "" {
			return fmt.Errorf("execution failed: %s", exec.Error)
		}
		return fmt.Errorf("execution ended with status %s", exec.Status)
	}
}

// taskPrinter renders execution events as they stream in. Item results are
// the per-item lines; progress messages surface phase changes; numeric
// progress is implicit in the item counters.
type taskPrinter struct {
	out     io.Writer
	lastMsg string
}

func newTaskPrinter(out io.Writer) *taskPrinter {
	return &taskPrinter{out: out}
}

func (p *taskPrinter) event(ev client.ExecutionEvent) {
	exec := ev.Execution
	switch ev.Kind {
	case client.ExecEventStatus:
		if exec.Terminal() {
			p.summary(exec)
		}
	case client.ExecEventProgress:
		if msg := exec.Progress.Message; msg != "" && msg != p.lastMsg {
			p.lastMsg = msg
			fmt.Fprintf(p.out, "  %s\n", msg)
		}
	case client.ExecEventItem:
		if ev.Item != nil {
			p.item(exec, *ev.Item)
		}
	case client.ExecEventPaused:
		if exec.Status == wire.ExecPaused {
			fmt.Fprintln(p.out, "  paused")
		} else {
			fmt.Fprintln(p.out, "  resumed")
		}
	}
}

func (p *taskPrinter) item(exec client.Execution, item client.ItemResult) {
	total := "?"
	if exec.Progress.Total > 0 {
		total = fmt.Sprint(exec.Progress.Total)
	}
	line := fmt.Sprintf("  [%d/%s] %-12s %-9s %s",
		len(exec.Items), total, item.ItemID, item.Status, item.Duration)
	if item.Error != "" {
		line += "  " + item.Error
	}
	fmt.Fprintln(p.out, line)
}

func (p *taskPrinter) summary(exec client.Execution) {
	failed := 0
	for _, item := range exec.Items {
		if item.Status == wire.ItemFailed {
			failed++
		}
	}
	switch exec.Status {
	case wire.ExecSuccess:
		fmt.Fprintf(p.out, "Execution %s succeeded: %d items, %d failed\n", exec.ID, len(exec.Items), failed)
	case wire.ExecCancelled:
		fmt.Fprintf(p.out, "Execution %s cancelled after %d items\n", exec.ID, len(exec.Items))
	default:
		msg := exec.Error
		if msg == "" {
			msg = string(exec.Status)
		}
		fmt.Fprintf(p.out, "Execution %s failed: %s\n", exec.ID, msg)
	}
}
