// Package security seals values before they reach a KeyValueStore so
// persisted session tokens are never written in the clear.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotSealed is returned by Open for values without the sealed envelope.
var ErrNotSealed = errors.New("security: value is not sealed")

const defaultKeyID = "app-key"

type Option func(*Sealer) error

// Sealer encrypts with its current key and decrypts with the current key or
// any retired key still registered under its id.
type Sealer struct {
	keyID   string
	current cipher.AEAD
	retired map[string]cipher.AEAD
	random  io.Reader
}

// WithKeyID names the current key. The id is stored in every envelope.
func WithKeyID(id string) Option {
	return func(s *Sealer) error {
		if id = strings.TrimSpace(id); id != "" {
			s.keyID = id
		}
		return nil
	}
}

// WithRetiredKey keeps an old key available for Open during rotation.
func WithRetiredKey(id string, material []byte) Option {
	return func(s *Sealer) error {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("security: retired key id is required")
		}
		aead, err := newAEAD(material)
		if err != nil {
			return err
		}
		s.retired[id] = aead
		return nil
	}
}

// NewSealer derives an AES-GCM key from material. Material of 16, 24 or 32
// bytes is used as is, anything else is hashed with SHA-256.
func NewSealer(material []byte, opts ...Option) (*Sealer, error) {
	aead, err := newAEAD(material)
	if err != nil {
		return nil, err
	}
	s := &Sealer{
		keyID:   defaultKeyID,
		current: aead,
		retired: map[string]cipher.AEAD{},
		random:  rand.Reader,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	delete(s.retired, s.keyID)
	return s, nil
}

func NewSealerFromString(key string, opts ...Option) (*Sealer, error) {
	return NewSealer([]byte(key), opts...)
}

func (s *Sealer) KeyID() string {
	if s == nil {
		return ""
	}
	return s.keyID
}

// Seal encrypts plaintext with the current key. The key id is bound as
// additional data so an envelope cannot be relabelled.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil || s.current == nil {
		return nil, fmt.Errorf("security: sealer is not configured")
	}
	nonce := make([]byte, s.current.NonceSize())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := s.current.Seal(nil, nonce, plaintext, []byte(s.keyID))
	return encodeEnvelope(s.keyID, nonce, sealed)
}

func (s *Sealer) Open(value []byte) ([]byte, error) {
	if s == nil || s.current == nil {
		return nil, fmt.Errorf("security: sealer is not configured")
	}
	env, err := decodeEnvelope(value)
	if err != nil {
		return nil, err
	}
	aead, ok := s.keyFor(env.KeyID)
	if !ok {
		return nil, fmt.Errorf("security: unknown key id %q", env.KeyID)
	}
	nonce, sealed, err := env.payload()
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("security: open sealed value: %w", err)
	}
	return plaintext, nil
}

// NeedsReseal reports whether value was sealed with a key other than the
// current one.
func (s *Sealer) NeedsReseal(value []byte) bool {
	id, err := SealedKeyID(value)
	return err == nil && id != s.KeyID()
}

func (s *Sealer) keyFor(id string) (cipher.AEAD, bool) {
	if id == s.keyID {
		return s.current, true
	}
	aead, ok := s.retired[id]
	return aead, ok
}

func newAEAD(material []byte) (cipher.AEAD, error) {
	key := bytes.TrimSpace(material)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	switch len(key) {
	case 16, 24, 32:
		key = append([]byte(nil), key...)
	default:
		sum := sha256.Sum256(key)
		key = sum[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return aead, nil
}
