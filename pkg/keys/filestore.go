package keys

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the key pair in a JSON file:
//
//	{"AES_KEY": "<base64>", "CHACHA_KEY": "<base64>"}
type FileStore struct {
	Path string
}

// NewFileStore returns a store for <dir>/<name>.json.
func NewFileStore(dir, name string) *FileStore {
	return &FileStore{Path: filepath.Join(dir, name+".json")}
}

type keyFile struct {
	AESKey    string `json:"AES_KEY"`
	ChaChaKey string `json:"CHACHA_KEY"`
}

// Load implements Store.
func (s *FileStore) Load() (KeyPair, bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return KeyPair{}, false, nil
	}
	if err != nil {
		return KeyPair{}, false, fmt.Errorf("keys: read %s: %w", s.Path, err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return KeyPair{}, false, &KeyMaterialError{Source: s.Path, Reason: "malformed json", Err: err}
	}

	var kp KeyPair
	if err := decodeKey(s.Path, "AES_KEY", kf.AESKey, kp.Strong[:]); err != nil {
		return KeyPair{}, false, err
	}
	if err := decodeKey(s.Path, "CHACHA_KEY", kf.ChaChaKey, kp.Stream[:]); err != nil {
		return KeyPair{}, false, err
	}
	return kp, true, nil
}

func decodeKey(source, field, encoded string, dst []byte) error {
	if encoded == "" {
		return &KeyMaterialError{Source: source, Reason: field + " missing"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return &KeyMaterialError{Source: source, Reason: field + " is not valid base64", Err: err}
	}
	if len(raw) != len(dst) {
		return &KeyMaterialError{
			Source: source,
			Reason: fmt.Sprintf("%s has %d bytes, want %d", field, len(raw), len(dst)),
		}
	}
	copy(dst, raw)
	return nil
}

// Save implements Store. The file is replaced atomically with mode 0600.
func (s *FileStore) Save(kp KeyPair) error {
	data, err := json.Marshal(keyFile{
		AESKey:    base64.StdEncoding.EncodeToString(kp.Strong[:]),
		ChaChaKey: base64.StdEncoding.EncodeToString(kp.Stream[:]),
	})
	if err != nil {
		return fmt.Errorf("keys: encode: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keys: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".keys-*")
	if err != nil {
		return fmt.Errorf("keys: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("keys: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("keys: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("keys: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keys: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("keys: rename: %w", err)
	}
	return nil
}
