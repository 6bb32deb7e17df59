package security

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	envelopePrefix    = "authsession.sealed.v1:"
	envelopeAlgorithm = "aes-256-gcm"
)

type envelope struct {
	KeyID      string `json:"kid"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ct"`
}

// IsSealed reports whether value carries the sealed envelope prefix.
func IsSealed(value []byte) bool {
	return strings.HasPrefix(string(value), envelopePrefix)
}

// SealedKeyID returns the key id recorded in a sealed value.
func SealedKeyID(value []byte) (string, error) {
	env, err := decodeEnvelope(value)
	if err != nil {
		return "", err
	}
	return env.KeyID, nil
}

func encodeEnvelope(keyID string, nonce, sealed []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{
		KeyID:      keyID,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

func decodeEnvelope(value []byte) (envelope, error) {
	if !IsSealed(value) {
		return envelope{}, ErrNotSealed
	}
	var env envelope
	if err := json.Unmarshal(value[len(envelopePrefix):], &env); err != nil {
		return envelope{}, fmt.Errorf("security: decode envelope: %w", err)
	}
	env.KeyID = strings.TrimSpace(env.KeyID)
	if alg := strings.ToLower(strings.TrimSpace(env.Algorithm)); alg != envelopeAlgorithm {
		return envelope{}, fmt.Errorf("security: unsupported algorithm %q", env.Algorithm)
	}
	if env.Ciphertext == "" || env.Nonce == "" {
		return envelope{}, fmt.Errorf("security: envelope is incomplete")
	}
	return env, nil
}

func (e envelope) payload() (nonce, sealed []byte, err error) {
	nonce, err = base64.RawStdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("security: decode nonce: %w", err)
	}
	sealed, err = base64.RawStdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("security: decode ciphertext: %w", err)
	}
	return nonce, sealed, nil
}
