// Package secure encrypts dotfile payloads before they reach the repository.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	payloadVersion = 1
	algorithm      = "aes-256-gcm"
)

var (
	// ErrAuthentication means the tag did not verify: tampered content or the wrong key.
	ErrAuthentication = errors.New("authentication failed: content tampered or wrong key")
	ErrInvalidKey     = errors.New("invalid key size")
	ErrMalformed      = errors.New("malformed encrypted payload")
)

// Payload is the repository form of an encrypted entity. Nonce and tag always travel
// with the ciphertext. Recipients is set only for group-shared content.
type Payload struct {
	Version    int        `json:"v"`
	Algorithm  string     `json:"alg"`
	Nonce      []byte     `json:"nonce"`
	Ciphertext []byte     `json:"ct"`
	Tag        []byte     `json:"tag"`
	Recipients []Envelope `json:"recipients,omitempty"`
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
func Encrypt(plaintext, key []byte) (*Payload, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	return &Payload{
		Version:    payloadVersion,
		Algorithm:  algorithm,
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens p with key. Any verification failure is ErrAuthentication and no plaintext is returned.
func Decrypt(p *Payload, key []byte) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+len(p.Tag))
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.Tag...)

	plaintext, err := gcm.Open(nil, p.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (p *Payload) validate() error {
	if p == nil {
		return errors.Wrap(ErrMalformed, "nil payload")
	}
	if p.Version != payloadVersion || p.Algorithm != algorithm {
		return errors.Wrapf(ErrMalformed, "unsupported payload %s v%d", p.Algorithm, p.Version)
	}
	if len(p.Nonce) != NonceSize {
		return errors.Wrap(ErrMalformed, "nonce size")
	}
	if len(p.Tag) != TagSize {
		return errors.Wrap(ErrMalformed, "tag size")
	}
	return nil
}

// Marshal encodes the payload for storage in the repository.
func (p *Payload) Marshal() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(p, "", "  ")
}

func UnmarshalPayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode payload"), ErrMalformed)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// NewDataKey returns a random 256-bit key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	return cipher.NewGCM(block)
}
