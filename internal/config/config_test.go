package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cctv "github.com/i5heu/ouroboros-cctv"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/cctv
chunk_duration: 30s
aead_interval: 10
offline: true
ipfs:
  gateway: https://ipfs.io/ipfs/
  upload_attempts: 5
  verify_fallback: true
playback:
  unauthenticated: reject
streams:
  - input: rtsp://cam1/stream
  - id: door
    input: "0"
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cctv", c.DataDir)
	assert.Equal(t, 30*time.Second, c.ChunkDuration)
	assert.Equal(t, uint(5), c.IPFS.UploadAttempts)
	require.Len(t, c.Streams, 2)
	assert.Equal(t, "0", c.Streams[0].ID)
	assert.Equal(t, "door", c.Streams[1].ID)

	p := c.Pipeline()
	assert.Equal(t, cctv.RejectUnauthenticated, p.Unauthenticated)
	assert.Equal(t, uint64(10), p.AEADInterval)
	assert.True(t, p.Offline)
	assert.True(t, p.VerifyFallback)
	assert.Equal(t, "https://ipfs.io/ipfs/", p.GatewayURL)
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, cctv.DefaultChunkDuration, c.ChunkDuration)
	assert.Equal(t, "http://127.0.0.1:5001", c.IPFS.API)
	assert.Equal(t, 30.0, c.Playback.FPS)
	assert.NoError(t, c.Validate())
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("CCTV_IPFS_API", "http://ipfs:5001")
	c, err := Load(writeConfig(t, "ipfs:\n  api: http://localhost:5001\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://ipfs:5001", c.IPFS.API)
}

func TestInvalidConfigs(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "colour: blue\n",
		"bad duration":     "chunk_duration: soon\n",
		"negative":         "chunk_duration: -1s\n",
		"bad policy":       "playback:\n  unauthenticated: sometimes\n",
		"bad level":        "log:\n  level: loud\n",
		"duplicate stream": "streams:\n  - {id: a, input: x}\n  - {id: a, input: y}\n",
		"slash in id":      "streams:\n  - {id: a/b, input: x}\n",
		"no input":         "streams:\n  - {id: a}\n",
		"quality":          "capture:\n  quality: 40\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestAddInputsSkipsConfiguredIDs(t *testing.T) {
	c := Default()
	c.Streams = []StreamConfig{
		{ID: "1", Input: "rtsp://cam1/stream"},
		{ID: "door", Input: "rtsp://door/stream"},
	}
	require.NoError(t, c.AddInputs("/dev/video0", "/srv/frames"))

	ids := make([]string, 0, len(c.Streams))
	for _, s := range c.Streams {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"1", "door", "0", "2"}, ids)
}

func TestAddInputsValidates(t *testing.T) {
	c := Default()
	c.Streams = []StreamConfig{{ID: "0", Input: "a"}, {ID: "0", Input: "b"}}
	assert.Error(t, c.AddInputs("c"))

	c = Default()
	assert.Error(t, c.AddInputs(""))
}
