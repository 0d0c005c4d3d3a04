package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gurungabit/iast/client"
	"github.com/gurungabit/iast/internal/api/types"
	"github.com/gurungabit/iast/wire"
)

// WatchCommand reattaches to a session's execution. The persisted state is
// fetched from the API, seeded into the store and live events stream on
// top, so a run abandoned here or started elsewhere can be followed to its
// end. Interrupt handling matches the run command.
func WatchCommand(cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: iast watch <session-id>")
	}
	sessionID := args[0]

	a, err := newAPI(cfg)
	if err != nil {
		return err
	}
	var persisted types.ExecutionResponse
	if err := a.do("GET", "/v1/sessions/"+sessionID+"/execution", nil, &persisted); err != nil {
		return err
	}

	restored := restoredExecution(persisted)
	fmt.Printf("Execution %s (%s): %s, %d of %d items reported\n",
		restored.ID, restored.AstName, restored.Status, len(restored.Items), restored.Progress.Total)
	if restored.Terminal() {
		return execOutcome(restored)
	}

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

	// Seed the slot before subscribing so the baseline does not replay as
	// an event, and before connecting so live events land on top of it.
	store := c.Store()
	store.InitSession(sessionID)
	store.RestoreExecution(sessionID, restored)

	done := make(chan error, 1)
	printer := newTaskPrinter(os.Stdout)
	unsub := store.SubscribeExecution(sessionID, func(ev client.ExecutionEvent) {
		printer.event(ev)
		if ev.Execution.Terminal() {
			select {
			case done <- execOutcome(ev.Execution):
			default:
			}
		}
	})
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx, sessionID); err != nil {
		return err
	}
	defer c.Detach(sessionID)
	if err := waitConnected(store, sessionID, 15*time.Second); err != nil {
		return err
	}

	return awaitExecution(c, sessionID, restored.ID, done)
}

// restoredExecution maps the API's persisted execution into the store's
// shape. Item payloads are JSON in the database; unparseable ones are
// carried without data rather than failing the restore.
func restoredExecution(resp types.ExecutionResponse) client.Execution {
	exec := client.Execution{
		ID:      resp.ID,
		AstName: resp.AstName,
		Status:  wire.ExecStatus(resp.Status),
		Error:   resp.Error,
		Progress: client.Progress{
			Current:     int(resp.Current),
			Total:       int(resp.Total),
			Percentage:  resp.Percentage,
			CurrentItem: resp.CurrentItem,
			Message:     resp.Message,
		},
	}
	for _, item := range resp.Items {
		restored := client.ItemResult{
			ItemID:   item.ItemID,
			Status:   item.Status,
			Duration: time.Duration(item.DurationMs) * time.Millisecond,
			Error:    item.Error,
		}
		if item.Data != "" {
			var data map[string]any
			if json.Unmarshal([]byte(item.Data), &data) == nil {
				restored.Data = data
			}
		}
		exec.Items = append(exec.Items, restored)
	}
	return exec
}
