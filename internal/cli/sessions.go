package cli

import (
	"flag"
	"fmt"
	"time"

	"github.com/gurungabit/iast/internal/api/types"
)

// SessionsCommand dispatches the session management subcommands: list,
// create, rename and rm. With no subcommand it lists.
func SessionsCommand(cfg *Config, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	a, err := newAPI(cfg)
	if err != nil {
		return err
	}

	switch sub {
	case "list", "ls":
		return listSessions(a)
	case "create":
		return createSession(a, args)
	case "rename":
		return renameSession(a, args)
	case "rm", "delete":
		return deleteSession(a, args)
	default:
		return fmt.Errorf("unknown sessions subcommand %q (want list, create, rename or rm)", sub)
	}
}

func listSessions(a *api) error {
	var resp struct {
		Sessions []types.SessionResponse `json:"sessions"`
	}
	if err := a.do("GET", "/v1/sessions", nil, &resp); err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions registered. Create one with \"iast sessions create\".")
		return nil
	}

	fmt.Printf("  %-38s %-20s %-22s %-9s %s\n", "ID", "NAME", "HOST", "SIZE", "CREATED")
	for _, s := range resp.Sessions {
		created := time.UnixMilli(s.CreatedAt).Format("2006-01-02 15:04")
		hostPort := fmt.Sprintf("%s:%d", s.Host, s.Port)
		size := fmt.Sprintf("%dx%d", s.Cols, s.Rows)
		fmt.Printf("  %-38s %-20s %-22s %-9s %s\n", s.ID, s.Name, hostPort, size, created)
	}
	return nil
}

func createSession(a *api, args []string) error {
	fs := flag.NewFlagSet("sessions create", flag.ContinueOnError)
	name := fs.String("name", "", "display name (defaults to host)")
	host := fs.String("host", "", "target host (required)")
	port := fs.Int64("port", 22, "target port")
	term := fs.String("term", "", "terminal type (default xterm-256color)")
	cols := fs.Int64("cols", 0, "initial columns (default 80)")
	rows := fs.Int64("rows", 0, "initial rows (default 24)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" {
		return fmt.Errorf("sessions create: -host is required")
	}

	req := types.CreateSessionRequest{
		Name: *name,
		Host: *host,
		Port: *port,
		Term: *term,
		Cols: *cols,
		Rows: *rows,
	}
	var resp types.SessionResponse
	if err := a.do("POST", "/v1/sessions", req, &resp); err != nil {
		return err
	}

	fmt.Printf("Created session %s (%s)\n", resp.ID, resp.Name)
	fmt.Printf("Attach with \"iast attach %s\".\n", resp.ID)
	return nil
}

func renameSession(a *api, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: iast sessions rename <session-id> <name>")
	}
	var resp types.SessionResponse
	err := a.do("PATCH", "/v1/sessions/"+args[0], types.RenameSessionRequest{Name: args[1]}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("Renamed session %s to %q\n", resp.ID, resp.Name)
	return nil
}

func deleteSession(a *api, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: iast sessions rm <session-id>")
	}
	if err := a.do("DELETE", "/v1/sessions/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}
