package clientcli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsEmpty(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestSaveThenLoadConfig_RoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	want := &Config{Addr: "ws://central:23549", Token: "tok123"}
	require.NoError(t, SaveConfig(want))

	got, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, want, got)
}
