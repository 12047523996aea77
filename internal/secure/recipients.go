package secure

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	publicKeyPrefix  = "tether-pub-"
	privateKeyPrefix = "TETHER-SECRET-"
	envelopeInfo     = "tether recipient envelope v1"
)

var (
	ErrNotRecipient = errors.New("identity is not a recipient of this payload")
	ErrBadKey       = errors.New("malformed recipient key")
)

// Envelope is the data key wrapped for one recipient: an ephemeral X25519 public key and
// the data key sealed under HKDF(shared secret).
type Envelope struct {
	Recipient string   `json:"recipient"`
	Ephemeral []byte   `json:"ephemeral"`
	Key       *Payload `json:"key"`
}

// Identity is an X25519 key pair owned by one team member.
type Identity struct {
	priv *ecdh.PrivateKey
}

func GenerateIdentity() (*Identity, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate identity")
	}
	return &Identity{priv: priv}, nil
}

func ParseIdentity(s string) (*Identity, error) {
	raw, err := decodeKey(strings.TrimSpace(s), privateKeyPrefix)
	if err != nil {
		return nil, err
	}
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse identity"), ErrBadKey)
	}
	return &Identity{priv: priv}, nil
}

func (id *Identity) String() string {
	return privateKeyPrefix + base64.RawURLEncoding.EncodeToString(id.priv.Bytes())
}

// Recipient returns the shareable public key.
func (id *Identity) Recipient() string {
	return publicKeyPrefix + base64.RawURLEncoding.EncodeToString(id.priv.PublicKey().Bytes())
}

func ParseRecipient(s string) (*ecdh.PublicKey, error) {
	raw, err := decodeKey(strings.TrimSpace(s), publicKeyPrefix)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse recipient"), ErrBadKey)
	}
	return pub, nil
}

// WrapKey wraps dataKey once per recipient.
func WrapKey(dataKey []byte, recipients []string) ([]Envelope, error) {
	envs := make([]Envelope, 0, len(recipients))
	for _, r := range recipients {
		pub, err := ParseRecipient(r)
		if err != nil {
			return nil, errors.Wrapf(err, "recipient %s", r)
		}
		eph, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "generate ephemeral key")
		}
		shared, err := eph.ECDH(pub)
		if err != nil {
			return nil, errors.Wrap(err, "key agreement")
		}
		kek, err := deriveWrapKey(shared, eph.PublicKey().Bytes(), pub.Bytes())
		if err != nil {
			return nil, err
		}
		sealed, err := Encrypt(dataKey, kek)
		if err != nil {
			return nil, err
		}
		envs = append(envs, Envelope{Recipient: r, Ephemeral: eph.PublicKey().Bytes(), Key: sealed})
	}
	return envs, nil
}

// UnwrapKey finds the envelope addressed to id and returns the data key.
func (id *Identity) UnwrapKey(envs []Envelope) ([]byte, error) {
	self := id.Recipient()
	for _, env := range envs {
		if env.Recipient != self {
			continue
		}
		eph, err := ecdh.X25519().NewPublicKey(env.Ephemeral)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "ephemeral key"), ErrMalformed)
		}
		shared, err := id.priv.ECDH(eph)
		if err != nil {
			return nil, errors.Wrap(err, "key agreement")
		}
		kek, err := deriveWrapKey(shared, env.Ephemeral, id.priv.PublicKey().Bytes())
		if err != nil {
			return nil, err
		}
		return Decrypt(env.Key, kek)
	}
	return nil, ErrNotRecipient
}

// Seal encrypts plaintext under a fresh data key wrapped for every recipient.
func Seal(plaintext []byte, recipients []string) (*Payload, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	dataKey, err := NewDataKey()
	if err != nil {
		return nil, err
	}
	p, err := Encrypt(plaintext, dataKey)
	if err != nil {
		return nil, err
	}
	if p.Recipients, err = WrapKey(dataKey, recipients); err != nil {
		return nil, err
	}
	return p, nil
}

// Open decrypts a recipient-sealed payload with id.
func (id *Identity) Open(p *Payload) ([]byte, error) {
	dataKey, err := id.UnwrapKey(p.Recipients)
	if err != nil {
		return nil, err
	}
	return Decrypt(p, dataKey)
}

// Rewrap replaces the recipient set of p. The ciphertext, nonce and tag are untouched;
// only the data key is wrapped again.
func (id *Identity) Rewrap(p *Payload, recipients []string) error {
	dataKey, err := id.UnwrapKey(p.Recipients)
	if err != nil {
		return err
	}
	envs, err := WrapKey(dataKey, recipients)
	if err != nil {
		return err
	}
	p.Recipients = envs
	return nil
}

func deriveWrapKey(shared, ephemeral, recipient []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeral)+len(recipient))
	salt = append(salt, ephemeral...)
	salt = append(salt, recipient...)

	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(envelopeInfo)), kek); err != nil {
		return nil, errors.Wrap(err, "derive wrap key")
	}
	return kek, nil
}

func decodeKey(s, prefix string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, errors.Wrapf(ErrBadKey, "expected %s prefix", prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, prefix))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode key"), ErrBadKey)
	}
	return raw, nil
}
