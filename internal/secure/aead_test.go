package secure

import (
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := NewDataKey()
	require.NoError(t, err)
	return key
}

func TestEncryptDecrypt(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("export GITHUB_TOKEN=abc\n")

	p, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.Len(t, p.Nonce, NonceSize)
	assert.Len(t, p.Tag, TagSize)
	assert.NotContains(t, string(p.Ciphertext), "GITHUB_TOKEN")

	got, err := Decrypt(p, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	key := testKey(t)
	a, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecrypt_TamperingFails(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name   string
		tamper func(p *Payload)
	}{
		{"flip tag bit", func(p *Payload) { p.Tag[0] ^= 0x01 }},
		{"flip last tag bit", func(p *Payload) { p.Tag[TagSize-1] ^= 0x80 }},
		{"flip ciphertext bit", func(p *Payload) { p.Ciphertext[0] ^= 0x01 }},
		{"flip nonce bit", func(p *Payload) { p.Nonce[3] ^= 0x01 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Encrypt([]byte("secret config"), key)
			require.NoError(t, err)
			tt.tamper(p)

			got, err := Decrypt(p, key)
			assert.ErrorIs(t, err, ErrAuthentication)
			assert.Nil(t, got)
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	p, err := Encrypt([]byte("x"), testKey(t))
	require.NoError(t, err)

	_, err = Decrypt(p, testKey(t))
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestEncrypt_InvalidKey(t *testing.T) {
	_, err := Encrypt([]byte("x"), []byte("short"))
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestPayloadMarshalRoundTrip(t *testing.T) {
	key := testKey(t)
	p, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)

	data, err := p.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalPayload(data)
	require.NoError(t, err)

	got, err := Decrypt(decoded, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestUnmarshalPayload_MissingTag(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"v":1,"alg":"aes-256-gcm","nonce":"AAAAAAAAAAAAAAAA","ct":""}`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = UnmarshalPayload([]byte(`garbage`))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestPassphraseWrap(t *testing.T) {
	dataKey := testKey(t)
	w, err := WrapWithPassphrase(dataKey, "correct horse")
	require.NoError(t, err)

	data, err := w.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalWrappedKey(data)
	require.NoError(t, err)

	got, err := decoded.Unwrap("correct horse")
	require.NoError(t, err)
	assert.Equal(t, dataKey, got)

	_, err = decoded.Unwrap("wrong")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestKeyCache(t *testing.T) {
	cache := NewKeyCache(filepath.Join(t.TempDir(), "key.cache"))

	_, err := cache.Load()
	assert.ErrorIs(t, err, ErrLocked)

	raw := testKey(t)
	want := append([]byte(nil), raw...)
	key, err := NewKey(raw)
	require.NoError(t, err)
	defer key.Destroy()
	require.NoError(t, cache.Store(key))
	assert.True(t, cache.Exists())

	loaded, err := cache.Load()
	require.NoError(t, err)
	defer loaded.Destroy()
	assert.Equal(t, want, loaded.Bytes())

	require.NoError(t, cache.Clear())
	assert.False(t, cache.Exists())
	require.NoError(t, cache.Clear())
}
