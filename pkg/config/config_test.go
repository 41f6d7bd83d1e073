package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsZeroValue(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, File{}, f)
}

func TestLoadNonexistentFileReturnsZeroValue(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, File{}, f)
}

func TestLoadParsesChannelsAndIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detectorbridge.yaml")
	contents := `
admin_code: 0x123456
device_id: 7
server_host: 10.0.0.5
server_port: 40000
log_level: debug
channels:
  - id: 1
    name: north-approach
  - id: 2
    name: south-approach
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 0x123456, f.AdminCode)
	assert.EqualValues(t, 7, f.DeviceID)
	assert.Equal(t, "10.0.0.5", f.ServerHost)
	assert.Equal(t, 40000, f.ServerPort)
	assert.Equal(t, "debug", f.LogLevel)
	require.Len(t, f.Channels, 2)
	assert.Equal(t, "north-approach", f.Channels[0].Name)
}

func TestDefaultChannelsNonEmpty(t *testing.T) {
	assert.NotEmpty(t, DefaultChannels())
}
