package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	metadata, err := cfg.MetadataSize()
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), metadata)
	sanlock, err := cfg.SanlockSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1024<<20), sanlock)
	timeout, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, timeout)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	file := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
port: "9000"
hostUuid: host-from-file
sanlockLvSize: 2GB
commandTimeout: 30m
`), 0644))
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("HOST_UUID", "host-from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "host-from-env", cfg.HostUUID)
	assert.Equal(t, "2GB", cfg.SanlockLVSize)
	assert.Equal(t, 5, cfg.DiscoveryAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"VG_METADATA_SIZE", "lots"},
		{"COMMAND_TIMEOUT", "forever"},
		{"COMMAND_TIMEOUT", "-1s"},
		{"DISCOVERY_ATTEMPTS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
