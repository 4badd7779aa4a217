package cipher

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func newTestCipher(t *testing.T, b byte) *Cipher {
	t.Helper()
	c, err := NewFromKey(testKey(b))
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t, 1)
	messages := []string{
		"",
		"hi",
		"héllo wörld 👋",
		strings.Repeat("long message ", 500),
		"\x00\xff not utf8",
	}
	for _, m := range messages {
		ct, err := c.Encrypt("alice_bob", m)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ct, "v1."))
		assert.NotContains(t, ct, "hello")

		pt, err := c.Decrypt("alice_bob", ct)
		require.NoError(t, err)
		assert.Equal(t, m, pt)
	}
}

func TestDistinctPlaintextsDistinctCiphertexts(t *testing.T) {
	c := newTestCipher(t, 1)
	seen := map[string]bool{}
	for _, m := range []string{"a", "b", "ab", "ba", ""} {
		ct, err := c.Encrypt("alice_bob", m)
		require.NoError(t, err)
		assert.False(t, seen[ct])
		seen[ct] = true
	}
}

func TestSamePlaintextEncryptsDifferently(t *testing.T) {
	c := newTestCipher(t, 1)
	first, err := c.Encrypt("alice_bob", "hi")
	require.NoError(t, err)
	second, err := c.Encrypt("alice_bob", "hi")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptWithForeignKey(t *testing.T) {
	ct, err := newTestCipher(t, 1).Encrypt("alice_bob", "secret")
	require.NoError(t, err)

	_, err = newTestCipher(t, 2).Decrypt("alice_bob", ct)
	require.ErrorIs(t, err, ErrKeyMismatch)
	assert.ErrorIs(t, err, ErrUndecryptable)
	assert.Equal(t, "key_mismatch", Reason(err))
}

func TestDecryptInOtherConversation(t *testing.T) {
	c := newTestCipher(t, 1)
	ct, err := c.Encrypt("alice_bob", "secret")
	require.NoError(t, err)

	_, err = c.Decrypt("alice_carol", ct)
	require.ErrorIs(t, err, ErrTampered)
}

func TestDecryptCorrupted(t *testing.T) {
	c := newTestCipher(t, 1)
	ct, err := c.Encrypt("alice_bob", "secret")
	require.NoError(t, err)

	raw, err := encoding.DecodeString(strings.TrimPrefix(ct, "v1."))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = c.Decrypt("alice_bob", "v1."+encoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrTampered)

	for _, bad := range []string{"", "hello", "v1.", "v1.!!!", "v1.AAAA", "U2FsdGVkX1+legacy"} {
		_, err := c.Decrypt("alice_bob", bad)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", bad)
		assert.Equal(t, "malformed", Reason(err))
	}
}

func TestNewFromKeyRejectsBadLength(t *testing.T) {
	_, err := NewFromKey([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestNewFromPassphrase(t *testing.T) {
	_, err := NewFromPassphrase(nil, []byte("salt"))
	require.ErrorIs(t, err, ErrEmptyPassphrase)

	a, err := NewFromPassphrase([]byte("correct horse"), []byte("chat-vault-salt"))
	require.NoError(t, err)
	b, err := NewFromPassphrase([]byte("correct horse"), []byte("chat-vault-salt"))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	ct, err := a.Encrypt("alice_bob", "hi")
	require.NoError(t, err)
	pt, err := b.Decrypt("alice_bob", ct)
	require.NoError(t, err)
	assert.Equal(t, "hi", pt)
}

func TestLoadSealedSecret(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	dir := t.TempDir()
	identityPath := filepath.Join(dir, "identity.txt")
	keyPath := filepath.Join(dir, "key.age")
	require.NoError(t, os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600))

	var sealed bytes.Buffer
	require.NoError(t, SealSecret(&sealed, identity.Recipient().String(), []byte("  static passphrase\n")))
	require.NoError(t, os.WriteFile(keyPath, sealed.Bytes(), 0o600))

	secret, err := LoadSealedSecret(keyPath, identityPath)
	require.NoError(t, err)
	assert.Equal(t, "static passphrase", string(secret))
}

func TestLoadSealedSecretWrongIdentity(t *testing.T) {
	owner, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	dir := t.TempDir()
	identityPath := filepath.Join(dir, "identity.txt")
	keyPath := filepath.Join(dir, "key.age")
	require.NoError(t, os.WriteFile(identityPath, []byte(other.String()), 0o600))

	var sealed bytes.Buffer
	require.NoError(t, SealSecret(&sealed, owner.Recipient().String(), []byte("secret")))
	require.NoError(t, os.WriteFile(keyPath, sealed.Bytes(), 0o600))

	_, err = LoadSealedSecret(keyPath, identityPath)
	assert.Error(t, err)
}
