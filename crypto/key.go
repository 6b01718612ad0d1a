package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const contentKeyPEMType = "AES-256 CONTENT KEY"

// EnsureContentKey loads the symmetric content key from disk, generating it
// on first use. Creation is idempotent under concurrent first use: the key
// is staged in a temp file and hard-linked into place, which fails when the
// path already exists, so a loser of the race re-reads the winner's key and
// two distinct keys can never coexist.
func EnsureContentKey(path string) ([]byte, error) {
	key, err := LoadContentKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, ContentKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}

	staging, err := os.CreateTemp(filepath.Dir(path), ".content_key-*")
	if err != nil {
		return nil, fmt.Errorf("stage content key file: %w", err)
	}
	stagingPath := staging.Name()
	defer func() {
		_ = os.Remove(stagingPath)
	}()

	block := &pem.Block{
		Type:  contentKeyPEMType,
		Bytes: key,
	}
	if _, err := staging.Write(pem.EncodeToMemory(block)); err != nil {
		_ = staging.Close()
		return nil, fmt.Errorf("write content key: %w", err)
	}
	if err := staging.Close(); err != nil {
		return nil, fmt.Errorf("close content key file: %w", err)
	}

	if err := os.Link(stagingPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return LoadContentKey(path)
		}
		return nil, fmt.Errorf("publish content key file: %w", err)
	}

	return key, nil
}

// LoadContentKey reads the symmetric content key from a PEM file.
func LoadContentKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read content key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode content key PEM: no PEM block")
	}
	if block.Type != contentKeyPEMType {
		return nil, fmt.Errorf("decode content key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ContentKeySize {
		return nil, fmt.Errorf("decode content key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}
