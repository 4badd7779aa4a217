package cipher

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// maxKeyFileSize bounds what LoadSealedSecret will decrypt.
const maxKeyFileSize = 64 * 1024

// LoadSealedSecret decrypts an age-encrypted secret file with the
// identities found in identityPath. Surrounding whitespace is trimmed so
// the file can be produced with `echo secret | age -r ... > key.age`.
func LoadSealedSecret(keyPath, identityPath string) ([]byte, error) {
	identityFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("open age identity: %w", err)
	}
	defer identityFile.Close()

	identities, err := age.ParseIdentities(identityFile)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}

	keyFile, err := os.Open(keyPath)
	if err != nil {
		return nil, fmt.Errorf("open sealed key: %w", err)
	}
	defer keyFile.Close()

	reader, err := age.Decrypt(keyFile, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed key: %w", err)
	}
	secret, err := io.ReadAll(io.LimitReader(reader, maxKeyFileSize))
	if err != nil {
		return nil, fmt.Errorf("read sealed key: %w", err)
	}
	secret = bytes.TrimSpace(secret)
	if len(secret) == 0 {
		return nil, ErrEmptyPassphrase
	}
	return secret, nil
}

// SealSecret encrypts secret to the given age recipient (age1... form).
// Used by operators and tests to produce files for LoadSealedSecret.
func SealSecret(w io.Writer, recipient string, secret []byte) error {
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return fmt.Errorf("parse recipient: %w", err)
	}
	enc, err := age.Encrypt(w, r)
	if err != nil {
		return fmt.Errorf("init age encryptor: %w", err)
	}
	if _, err := enc.Write(secret); err != nil {
		return fmt.Errorf("write sealed key: %w", err)
	}
	return enc.Close()
}
