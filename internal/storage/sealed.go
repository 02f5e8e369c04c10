package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the master key size for Sealed.
const KeyLen = 32

// Sealed encrypts slot values before handing them to the inner store.
// Each slot uses its own key derived from the master key; the slot name is bound as AAD.
type Sealed struct {
	inner Store
	key   []byte
}

// NewSealed wraps inner with XChaCha20-Poly1305 sealing.
func NewSealed(inner Store, masterKey []byte) (*Sealed, error) {
	if len(masterKey) != KeyLen {
		return nil, fmt.Errorf("sealed store: key must be %d bytes", KeyLen)
	}
	return &Sealed{inner: inner, key: append([]byte(nil), masterKey...)}, nil
}

// slotKey derives a per-slot key via HKDF-SHA256 using the slot name as info.
func (s *Sealed) slotKey(slot string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.key, nil, []byte(slot))
	k := make([]byte, chacha20poly1305.KeySize)
	_, err := r.Read(k)
	return k, err
}

// Get implements Store.
func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	blob, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", false, fmt.Errorf("sealed slot %q: %w", key, err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return "", false, fmt.Errorf("sealed slot %q: blob too short", key)
	}
	k, err := s.slotKey(key)
	if err != nil {
		return "", false, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return "", false, err
	}
	pt, err := aead.Open(nil, blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:], []byte(key))
	if err != nil {
		return "", false, fmt.Errorf("sealed slot %q: %w", key, err)
	}
	return string(pt), true, nil
}

// Set implements Store.
func (s *Sealed) Set(ctx context.Context, key, value string) error {
	k, err := s.slotKey(key)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	out := make([]byte, 0, len(nonce)+len(value)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, []byte(value), []byte(key))...)
	return s.inner.Set(ctx, key, base64.StdEncoding.EncodeToString(out))
}

// Delete implements Store.
func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// LoadOrCreateKey reads the master key at path, generating it (mode 0600) on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != KeyLen {
			return nil, fmt.Errorf("key file %s: want %d bytes, got %d", path, KeyLen, len(b))
		}
		return b, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
