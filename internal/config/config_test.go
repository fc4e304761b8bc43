package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClientFlagsDefaults(t *testing.T) {
	cfg, err := ParseClientFlags([]string{"--server", "example.com:9000", "--key", "secret"})
	require.NoError(t, err)
	require.Equal(t, "example.com:9000", cfg.ServerAddr)
	require.Equal(t, 1, cfg.TunnelCount)
	require.Equal(t, "127.0.0.1:1080", cfg.ListenAddr)
	require.False(t, cfg.EnableUCP)
}

func TestParseClientFlagsRequiresServerAndKey(t *testing.T) {
	_, err := ParseClientFlags([]string{"--key", "secret"})
	require.Error(t, err)

	_, err = ParseClientFlags([]string{"--server", "example.com:9000"})
	require.Error(t, err)
}

func TestParseClientFlagsRejectsZeroTunnelCount(t *testing.T) {
	_, err := ParseClientFlags([]string{
		"--server", "example.com:9000",
		"--key", "secret",
		"--tunnel-count", "0",
	})
	require.Error(t, err)
}

func TestLoadServerFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setting.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen":"0.0.0.0:9000","key":"secret"}`), 0o600))

	require.NoError(t, LoadServer(path))
	require.Equal(t, "0.0.0.0:9000", GlobalCfg.Listen)
	require.Equal(t, "info", GlobalCfg.Log.Level)
	require.Equal(t, 256, GlobalCfg.IPGuard.MaxConnectionsPerIP)
	require.NotNil(t, GlobalCfg.IPGuard.Blacklist)
}

func TestLoadServerRejectsMissingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setting.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen":"0.0.0.0:9000"}`), 0o600))

	err := LoadServer(path)
	require.Error(t, err)
}
