package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrConfigCreated)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, config.Server.Port)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestLoadSanitizesAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":0,"id_strategy":"weird","idle_timeout":"0"},"audio":{"base_path":""}}`), 0644))
	t.Setenv(EnvPrefix+"HTTP_PORT", "9090")
	t.Setenv(EnvPrefix+"DEBUG_MODE", "true")
	t.Setenv(EnvPrefix+"HTTP_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6666, config.Server.Port)
	assert.Equal(t, "uuid", config.Server.IDStrategy)
	assert.Equal(t, "audio", config.Audio.BasePath)
	assert.Equal(t, 9090, config.Http.Port)
	assert.True(t, config.DebugMode)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, config.Http.AllowedOrigins)
	assert.Equal(t, time.Duration(0), config.Server.Idle())

	got, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, config.Http.Port, got.Http.Port)
}

func TestDurations(t *testing.T) {
	config := Default()
	assert.Equal(t, 30*time.Second, config.Server.Handshake())
	assert.Equal(t, 5*time.Minute, config.Server.Idle())
	assert.Equal(t, 5*time.Second, config.Server.Drain())
	assert.Equal(t, 10*time.Minute, config.Cache.Expire())

	config.Server.DrainTimeout = "bogus"
	assert.Equal(t, 5*time.Second, config.Server.Drain())
	assert.Equal(t, "0.0.0.0:6666", config.Server.Address())
}

func TestIdleDisabled(t *testing.T) {
	for _, value := range []string{"", "0", "0s", "0m", " 0ms "} {
		assert.Equal(t, time.Duration(0), ServerConfig{IdleTimeout: value}.Idle(), value)
	}
	assert.Equal(t, 90*time.Second, ServerConfig{IdleTimeout: "90s"}.Idle())
	assert.Equal(t, 5*time.Minute, ServerConfig{IdleTimeout: "soon"}.Idle())
}

func TestChunkSizeFitsFrame(t *testing.T) {
	config := Default()
	config.Audio.ChunkSize = 8000
	config.sanitize()
	assert.Equal(t, 4068, config.Audio.ChunkSize)

	config.Server.MaxFrameSize = 1024
	config.Audio.ChunkSize = 996
	config.sanitize()
	assert.Equal(t, 996, config.Audio.ChunkSize)

	config.Server.MaxFrameSize = 20
	config.sanitize()
	assert.Equal(t, 4096, config.Server.MaxFrameSize)
	assert.Equal(t, 996, config.Audio.ChunkSize)
}
