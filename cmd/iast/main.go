package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gurungabit/iast/internal/cli"
)

const version = "iast-cli v0.3.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return nil
	}

	if cfg.Debug {
		log.Printf("Config: ServerURL=%s, Home=%s", cfg.ServerURL, cfg.Home)
	}

	switch args[0] {
	case "auth":
		return cli.AuthCommand(cfg, args[1:])
	case "sessions":
		return cli.SessionsCommand(cfg, args[1:])
	case "attach":
		return cli.AttachCommand(cfg, args[1:])
	case "run":
		return cli.RunCommand(cfg, args[1:])
	case "watch":
		return cli.WatchCommand(cfg, args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	case "version", "--version", "-v":
		fmt.Println(version)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Println(`iast - terminal sessions and task runs over the iast relay

Usage:
  iast auth <access-key>        Exchange an access key for a bearer token
  iast sessions [list]          List registered sessions
  iast sessions create -host <host> [-port N] [-name NAME] [-term TERM] [-cols N] [-rows N]
  iast sessions rename <id> <name>
  iast sessions rm <id>         Delete a session record
  iast attach <id>              Attach this terminal to a session (Ctrl-] detaches)
  iast run [-params file.yaml] [-credentials file.yaml] <id> <ast-name>
                                Run a task and stream its progress
  iast watch <id>               Reattach to a session's execution
  iast help                     Show this help message
  iast version                  Show version information

Environment Variables:
  IAST_SERVER_URL     Server URL (default: http://localhost:3005)
  IAST_HOME_DIR       Config directory (default: ~/.iast)
  IAST_MASTER_SECRET  Shared secret for sealing run credentials
  DEBUG               Enable debug logging (true/1)

Examples:
  # Authenticate against a local server
  iast auth dev-key-1

  # Register and attach to a session
  iast sessions create -host mainframe.example.com -port 23 -name payroll
  iast attach <session-id>

  # Run a task with parameters
  iast run -params update.yaml <session-id> batch-update`)
}
