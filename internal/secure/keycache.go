package secure

import (
	"os"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/utils"
)

var ErrLocked = errors.New("encryption key is locked")

// Key is an unlocked data key held in guarded memory.
type Key struct {
	buf *memguard.LockedBuffer
}

// NewKey moves raw into guarded memory and wipes raw.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "got %d bytes", len(raw))
	}
	return &Key{buf: memguard.NewBufferFromBytes(raw)}, nil
}

func (k *Key) Bytes() []byte {
	return k.buf.Bytes()
}

func (k *Key) Destroy() {
	if k != nil && k.buf != nil {
		k.buf.Destroy()
	}
}

// KeyCache keeps the unlocked data key on local disk (0600) so the background process can
// decrypt without prompting for the passphrase.
type KeyCache struct {
	path string
}

func NewKeyCache(path string) *KeyCache {
	return &KeyCache{path: path}
}

func (c *KeyCache) Store(key *Key) error {
	return errors.Wrap(utils.WriteFileAtomic(c.path, key.Bytes(), 0o600), "write key cache")
}

// Load returns ErrLocked when no key has been cached.
func (c *KeyCache) Load() (*Key, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrLocked
	} else if err != nil {
		return nil, errors.Wrap(err, "read key cache")
	}
	return NewKey(raw)
}

func (c *KeyCache) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove key cache")
	}
	return nil
}

func (c *KeyCache) Exists() bool {
	return utils.FileExists(c.path)
}
