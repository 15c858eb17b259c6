package aconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsCentralHostWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "ws://"+DefaultListenAddr, cfg.CentralHost)
}

func TestLoad_ReadsConfigFileFromWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"jwt_key": "secret",
		"central_host": "ws://10.0.0.1:23549",
		"policy_pod_gpu_limit": 4
	}`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.JWTKey)
	require.Equal(t, "ws://10.0.0.1:23549", cfg.CentralHost)
	require.Equal(t, 4, cfg.PolicyPodGPULimit)
}
