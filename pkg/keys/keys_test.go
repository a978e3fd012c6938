package keys

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderCreatesOnceAndCaches(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, "encryption_keys")
	p := NewProvider(store, nil)

	first, err := p.Obtain()
	require.NoError(t, err)
	assert.NotEqual(t, KeyPair{}, first)
	assert.NotEqual(t, first.Strong, first.Stream)

	info, err := os.Stat(store.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := p.Obtain()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A new provider over the same file loads the persisted pair.
	reloaded, err := NewProvider(store, nil).Obtain()
	require.NoError(t, err)
	assert.Equal(t, first, reloaded)
}

func TestFileStoreReadsOriginalLayout(t *testing.T) {
	dir := t.TempDir()
	strong := bytes.Repeat([]byte{0x11}, KeySize)
	stream := bytes.Repeat([]byte{0x22}, KeySize)
	content := `{"AES_KEY": "` + base64.StdEncoding.EncodeToString(strong) +
		`", "CHACHA_KEY": "` + base64.StdEncoding.EncodeToString(stream) + `"}`
	path := filepath.Join(dir, "encryption_keys.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	kp, ok, err := (&FileStore{Path: path}).Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strong, kp.Strong[:])
	assert.Equal(t, stream, kp.Stream[:])
}

func TestFileStoreMissingFile(t *testing.T) {
	_, ok, err := (&FileStore{Path: filepath.Join(t.TempDir(), "none.json")}).Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptKeyMaterialIsFatal(t *testing.T) {
	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	full := base64.StdEncoding.EncodeToString(make([]byte, KeySize))

	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "{{{"},
		{name: "truncated strong key", content: `{"AES_KEY":"` + short + `","CHACHA_KEY":"` + full + `"}`},
		{name: "truncated stream key", content: `{"AES_KEY":"` + full + `","CHACHA_KEY":"` + short + `"}`},
		{name: "invalid base64", content: `{"AES_KEY":"%%%","CHACHA_KEY":"` + full + `"}`},
		{name: "missing field", content: `{"AES_KEY":"` + full + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "keys.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := NewProvider(&FileStore{Path: path}, nil).Obtain()
			var kme *KeyMaterialError
			require.ErrorAs(t, err, &kme)
			assert.Equal(t, path, kme.Source)

			// The corrupt file is left untouched.
			data, readErr := os.ReadFile(path)
			require.NoError(t, readErr)
			assert.Equal(t, tt.content, string(data))
		})
	}
}

func TestGenerateFromShortReader(t *testing.T) {
	_, err := Generate(bytes.NewReader(make([]byte, KeySize+3)))
	require.Error(t, err)
}

func TestFingerprintIsStable(t *testing.T) {
	kp, err := Generate(nil)
	require.NoError(t, err)
	fp := kp.Fingerprint()
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, kp.Fingerprint())
}
