package engine

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/utils"
)

// Key material stored in the repository.
const (
	PassphraseKeyFile = "passphrase.json"
	RecipientsFile    = "recipients.json"
)

// newDataKey is replaced in tests to observe the generated key material.
var newDataKey = secure.NewDataKey

var (
	ErrKeysExist      = errors.New("encryption keys already initialized")
	ErrKeysMissing    = errors.New("encryption keys not initialized")
	ErrNoKeyStore     = errors.New("key source cannot store keys")
	ErrNoRecipientKey = errors.New("no envelope for this identity")
)

// KeyStore is a KeySource that can also be unlocked and locked.
type KeyStore interface {
	KeySource
	Store(key *secure.Key) error
	Clear() error
}

type KeyStatus struct {
	Initialized bool
	Unlocked    bool
	Recipients  []string
}

func (o *Orchestrator) keyStore() (KeyStore, error) {
	ks, ok := o.keys.(KeyStore)
	if !ok {
		return nil, ErrNoKeyStore
	}
	return ks, nil
}

func keyPath(dir, name string) string {
	return filepath.Join(dir, KeysDir, name)
}

// InitKeys generates the data key, wraps it under passphrase and for the configured
// recipients, publishes both wrappings and unlocks this machine.
func (o *Orchestrator) InitKeys(ctx context.Context, passphrase string) error {
	ks, err := o.keyStore()
	if err != nil {
		return err
	}
	raw, err := newDataKey()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(raw)
	key, err := secure.NewKey(append([]byte(nil), raw...))
	if err != nil {
		return err
	}
	defer key.Destroy()

	wrapped, err := secure.WrapWithPassphrase(raw, passphrase)
	if err != nil {
		return configurationError(err, "choose a non-empty passphrase")
	}
	var envs []secure.Envelope
	if len(o.cfg.Security.Recipients) > 0 {
		if envs, err = secure.WrapKey(raw, o.cfg.Security.Recipients); err != nil {
			return configurationError(err, "check security.recipients")
		}
	}

	return o.guard.Do(ctx, "keys init", func(ctx context.Context) error {
		err := o.mutateRemote(ctx, "keys: initialize", func(r *repo) error {
			if utils.FileExists(keyPath(r.dir, PassphraseKeyFile)) {
				return errors.WithHint(ErrKeysExist, "run `tether keys unlock` instead")
			}
			data, err := wrapped.Marshal()
			if err != nil {
				return err
			}
			if err := utils.WriteFileAtomic(keyPath(r.dir, PassphraseKeyFile), data, 0o644); err != nil {
				return errors.Wrap(err, "write wrapped key")
			}
			return writeEnvelopes(r.dir, envs)
		})
		if err != nil {
			return err
		}
		return ks.Store(key)
	})
}

// UnlockPassphrase unwraps the published data key and caches it on this machine.
func (o *Orchestrator) UnlockPassphrase(ctx context.Context, passphrase string) error {
	return o.unlock(ctx, func(dir string) ([]byte, error) {
		data, err := os.ReadFile(keyPath(dir, PassphraseKeyFile))
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.WithHint(ErrKeysMissing, "run `tether keys init` on one machine first")
		} else if err != nil {
			return nil, errors.Wrap(err, "read wrapped key")
		}
		w, err := secure.UnmarshalWrappedKey(data)
		if err != nil {
			return nil, integrityError(err)
		}
		raw, err := w.Unwrap(passphrase)
		if errors.Is(err, secure.ErrAuthentication) {
			return nil, errors.WithHint(err, "wrong passphrase")
		}
		return raw, err
	})
}

// UnlockIdentity unwraps the data key from the envelope addressed to id.
func (o *Orchestrator) UnlockIdentity(ctx context.Context, id *secure.Identity) error {
	return o.unlock(ctx, func(dir string) ([]byte, error) {
		envs, err := readEnvelopes(dir)
		if err != nil {
			return nil, err
		}
		raw, err := id.UnwrapKey(envs)
		if errors.Is(err, secure.ErrNotRecipient) {
			return nil, errors.WithHintf(errors.Mark(err, ErrNoRecipientKey),
				"ask a team member to add %s to security.recipients and run `tether keys rewrap`", id.Recipient())
		}
		return raw, err
	})
}

func (o *Orchestrator) unlock(ctx context.Context, unwrap func(dir string) ([]byte, error)) error {
	ks, err := o.keyStore()
	if err != nil {
		return err
	}
	return o.guard.Do(ctx, "keys unlock", func(ctx context.Context) error {
		if err := o.refresh(ctx); err != nil {
			return err
		}
		raw, err := unwrap(o.transport.Dir())
		if err != nil {
			return err
		}
		key, err := secure.NewKey(raw)
		if err != nil {
			memguard.WipeBytes(raw)
			return integrityError(err)
		}
		defer key.Destroy()
		return ks.Store(key)
	})
}

// LockKeys forgets the cached data key.
func (o *Orchestrator) LockKeys() error {
	ks, err := o.keyStore()
	if err != nil {
		return err
	}
	return ks.Clear()
}

// KeyStatus reports key state from the local checkout without contacting the remote.
func (o *Orchestrator) KeyStatus() (KeyStatus, error) {
	dir := o.transport.Dir()
	st := KeyStatus{Initialized: utils.FileExists(keyPath(dir, PassphraseKeyFile))}
	if key, err := o.keys.Load(); err == nil {
		st.Unlocked = true
		key.Destroy()
	} else if !errors.Is(err, secure.ErrLocked) {
		return st, err
	}
	envs, err := readEnvelopes(dir)
	if err != nil {
		return st, err
	}
	for _, e := range envs {
		st.Recipients = append(st.Recipients, e.Recipient)
	}
	return st, nil
}

// Rewrap replaces the recipient set of the data key and of every encrypted blob. The
// ciphertext of stored files does not change.
func (o *Orchestrator) Rewrap(ctx context.Context, recipients []string) error {
	for _, r := range recipients {
		if _, err := secure.ParseRecipient(r); err != nil {
			return configurationError(errors.Wrapf(err, "recipient %q", r), "")
		}
	}
	key, err := o.keys.Load()
	if err != nil {
		return errors.WithHint(err, "run `tether keys unlock` first")
	}
	defer key.Destroy()

	var envs []secure.Envelope
	if len(recipients) > 0 {
		if envs, err = secure.WrapKey(key.Bytes(), recipients); err != nil {
			return err
		}
	}

	return o.guard.Do(ctx, "keys rewrap", func(ctx context.Context) error {
		return o.mutateRemote(ctx, "keys: rewrap recipients", func(r *repo) error {
			if err := writeEnvelopes(r.dir, envs); err != nil {
				return err
			}
			for _, prefix := range []string{DotfilesDir, ConfigsDir} {
				ids, err := r.files(prefix)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if err := rewrapBlob(r, id, path.Join(prefix, id), envs); err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
}

func rewrapBlob(r *repo, id, rel string, envs []secure.Envelope) error {
	stored, encrypted, err := r.read(rel, true)
	if err != nil || !encrypted {
		return err
	}
	p, err := secure.UnmarshalPayload(stored)
	if err != nil {
		return integrityError(errors.Wrapf(err, "%s", rel))
	}
	p.Recipients = envs
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return r.write(id, rel, data, true, r.meta(id, stored))
}

func readEnvelopes(dir string) ([]secure.Envelope, error) {
	data, err := os.ReadFile(keyPath(dir, RecipientsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read recipients")
	}
	var envs []secure.Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, integrityError(errors.Wrap(err, "decode recipients"))
	}
	return envs, nil
}

func writeEnvelopes(dir string, envs []secure.Envelope) error {
	p := keyPath(dir, RecipientsFile)
	if len(envs) == 0 {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "remove recipients")
		}
		return nil
	}
	data, err := json.MarshalIndent(envs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode recipients")
	}
	return errors.Wrap(utils.WriteFileAtomic(p, append(data, '\n'), 0o644), "write recipients")
}
