package secure

import (
	"crypto/rand"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/argon2"
)

const (
	saltSize      = 16
	argonTime     = 3
	argonMemory   = 64 * 1024
	argonThreads  = 4
	wrappedKeyVer = 1
)

// WrappedKey is the data key sealed under a passphrase-derived key. It lives in the
// repository so every machine that knows the passphrase can unlock it.
type WrappedKey struct {
	Version int      `json:"v"`
	KDF     string   `json:"kdf"`
	Salt    []byte   `json:"salt"`
	Time    uint32   `json:"t"`
	Memory  uint32   `json:"m"`
	Threads uint8    `json:"p"`
	Key     *Payload `json:"key"`
}

func WrapWithPassphrase(dataKey []byte, passphrase string) (*WrappedKey, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}

	w := &WrappedKey{
		Version: wrappedKeyVer,
		KDF:     "argon2id",
		Salt:    salt,
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
	}
	kek := w.derive(passphrase)
	sealed, err := Encrypt(dataKey, kek)
	if err != nil {
		return nil, err
	}
	w.Key = sealed
	return w, nil
}

// Unwrap returns the data key. A wrong passphrase surfaces as ErrAuthentication.
func (w *WrappedKey) Unwrap(passphrase string) ([]byte, error) {
	if w.Version != wrappedKeyVer || w.KDF != "argon2id" {
		return nil, errors.Wrapf(ErrMalformed, "unsupported key wrapping %s v%d", w.KDF, w.Version)
	}
	key, err := Decrypt(w.Key, w.derive(passphrase))
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, errors.Wrap(ErrInvalidKey, "unwrapped key")
	}
	return key, nil
}

func (w *WrappedKey) derive(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), w.Salt, w.Time, w.Memory, w.Threads, KeySize)
}

func (w *WrappedKey) Marshal() ([]byte, error) {
	return json.MarshalIndent(w, "", "  ")
}

func UnmarshalWrappedKey(data []byte) (*WrappedKey, error) {
	var w WrappedKey
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode wrapped key"), ErrMalformed)
	}
	return &w, nil
}
