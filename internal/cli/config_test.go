package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("IAST_HOME_DIR", home)
	t.Setenv("IAST_SERVER_URL", "https://iast.example.com/")
	t.Setenv("DEBUG", "1")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "https://iast.example.com", cfg.ServerURL)
	require.Equal(t, home, cfg.Home)
	require.Equal(t, filepath.Join(home, "token"), cfg.TokenPath)
	require.True(t, cfg.Debug)
}

func TestLoadConfigCreatesHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nested", ".iast")
	t.Setenv("IAST_HOME_DIR", home)
	t.Setenv("IAST_SERVER_URL", "")
	t.Setenv("DEBUG", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "http://localhost:3005", cfg.ServerURL)
	require.False(t, cfg.Debug)

	info, err := os.Stat(home)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestSocketURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		server string
		want   string
	}{
		{"http", "http://localhost:3005", "ws://localhost:3005/v1/socket"},
		{"https", "https://iast.example.com", "wss://iast.example.com/v1/socket"},
		{"path prefix", "https://edge.example.com/iast", "wss://edge.example.com/iast/v1/socket"},
		{"ws passthrough", "ws://localhost:3005", "ws://localhost:3005/v1/socket"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{ServerURL: tc.server}
			got, err := cfg.SocketURL()
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSocketURLRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	cfg := &Config{ServerURL: "ftp://example.com"}
	_, err := cfg.SocketURL()
	require.ErrorContains(t, err, "scheme")
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := &Config{TokenPath: filepath.Join(t.TempDir(), "token")}

	_, err := cfg.ReadToken()
	require.ErrorContains(t, err, "not authenticated")

	require.NoError(t, cfg.WriteToken("tok-abc"))
	token, err := cfg.ReadToken()
	require.NoError(t, err)
	require.Equal(t, "tok-abc", token)
}
