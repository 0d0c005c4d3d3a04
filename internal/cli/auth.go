package cli

import (
	"fmt"

	"github.com/gurungabit/iast/internal/api/types"
)

// AuthCommand exchanges an access key for a bearer token and stores it
// under the config home for the other commands to pick up.
func AuthCommand(cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: iast auth <access-key>")
	}

	a := &api{base: cfg.ServerURL, client: newHTTPClient()}
	var resp types.AuthResponse
	if err := a.do("POST", "/v1/auth", types.AuthRequest{AccessKey: args[0]}, &resp); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if err := cfg.WriteToken(resp.Token); err != nil {
		return err
	}

	fmt.Printf("Authenticated as %s\n", resp.UserID)
	fmt.Printf("Token saved to %s\n", cfg.TokenPath)
	return nil
}
