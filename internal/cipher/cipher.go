// Package cipher encrypts message bodies before they reach the document
// store and decrypts them after they are read back.
//
// A single static secret is configured per process. It is never used
// directly: every message is sealed with AES-256-GCM under a key derived
// with HKDF-SHA256 from the master key, a fresh random salt and the
// conversation id, and the conversation id is bound as additional data.
// A ciphertext therefore only opens inside the conversation it was
// written to.
//
// Ciphertexts are self-contained strings:
//
//	"v1." + base64url(fingerprint[4] | salt[16] | nonce[12] | sealed)
//
// The fingerprint identifies the master key so that a message written
// under another (rotated or foreign) key is reported as ErrKeyMismatch
// instead of looking like corruption.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	version        = "v1."
	fingerprintLen = 4
	saltLen        = 16
	nonceLen       = 12
	headerLen      = fingerprintLen + saltLen + nonceLen

	messageKeyInfo = "chat-vault/message/"
)

// argon2id parameters for stretching the configured passphrase. Applied
// once at startup.
const (
	Argon2Time    = 3
	Argon2Memory  = 64 * 1024
	Argon2Threads = 4
)

var (
	ErrUndecryptable = errors.New("message cannot be decrypted")
	ErrMalformed     = fmt.Errorf("%w: malformed ciphertext", ErrUndecryptable)
	ErrKeyMismatch   = fmt.Errorf("%w: encrypted under a different key", ErrUndecryptable)
	ErrTampered      = fmt.Errorf("%w: authentication failed", ErrUndecryptable)

	ErrInvalidKeyLength = errors.New("invalid key length")
	ErrEmptyPassphrase  = errors.New("empty passphrase")
)

var fingerprintDomain = [32]byte{
	'c', 'h', 'a', 't', '-', 'v', 'a', 'u', 'l', 't', '.', 'k', 'e', 'y', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0,
}

var encoding = base64.RawURLEncoding

// Cipher seals and opens message bodies. It is immutable after
// construction and safe for concurrent use.
type Cipher struct {
	master      []byte
	fingerprint [fingerprintLen]byte
	random      io.Reader
}

// NewFromKey builds a Cipher around a raw 32-byte master key.
func NewFromKey(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	master := make([]byte, KeySize)
	copy(master, key)

	hasher, err := blake3.NewKeyed(fingerprintDomain[:])
	if err != nil {
		return nil, fmt.Errorf("init fingerprint hash: %w", err)
	}
	hasher.Write(master)
	sum := hasher.Sum(nil)

	c := &Cipher{master: master, random: rand.Reader}
	copy(c.fingerprint[:], sum[:fingerprintLen])
	return c, nil
}

// NewFromPassphrase stretches passphrase with argon2id under salt and
// builds a Cipher around the result.
func NewFromPassphrase(passphrase, salt []byte) (*Cipher, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	key := argon2.IDKey(passphrase, salt, Argon2Time, Argon2Memory, Argon2Threads, KeySize)
	return NewFromKey(key)
}

// Fingerprint returns a short printable identifier of the master key, safe
// to log.
func (c *Cipher) Fingerprint() string {
	return encoding.EncodeToString(c.fingerprint[:])
}

// Encrypt seals plaintext for the given conversation.
func (c *Cipher) Encrypt(conversationID, plaintext string) (string, error) {
	buf := make([]byte, headerLen, headerLen+len(plaintext)+16)
	copy(buf, c.fingerprint[:])
	salt := buf[fingerprintLen : fingerprintLen+saltLen]
	nonce := buf[fingerprintLen+saltLen : headerLen]
	if _, err := io.ReadFull(c.random, buf[fingerprintLen:headerLen]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	aead, err := c.aead(conversationID, salt)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(buf, nonce, []byte(plaintext), []byte(conversationID))
	return version + encoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same
// conversation. Every failure wraps ErrUndecryptable.
func (c *Cipher) Decrypt(conversationID, ciphertext string) (string, error) {
	body, ok := strings.CutPrefix(ciphertext, version)
	if !ok {
		return "", ErrMalformed
	}
	raw, err := encoding.DecodeString(body)
	if err != nil || len(raw) < headerLen {
		return "", ErrMalformed
	}
	if string(raw[:fingerprintLen]) != string(c.fingerprint[:]) {
		return "", ErrKeyMismatch
	}
	salt := raw[fingerprintLen : fingerprintLen+saltLen]
	nonce := raw[fingerprintLen+saltLen : headerLen]

	aead, err := c.aead(conversationID, salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, raw[headerLen:], []byte(conversationID))
	if err != nil {
		return "", ErrTampered
	}
	return string(plain), nil
}

func (c *Cipher) aead(conversationID string, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, c.master, salt, []byte(messageKeyInfo+conversationID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Reason maps a decrypt error to a short label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrKeyMismatch):
		return "key_mismatch"
	case errors.Is(err, ErrTampered):
		return "tampered"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "unknown"
	}
}
