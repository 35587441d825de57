package encryption

import (
	"bytes"
	"fmt"
	"io"

	"chainvault/internal/replica"
)

// testHeader marks output of TestEncryptor so tests can tell ciphertext from
// plaintext without any real cryptography.
var testHeader = []byte("CVENC\x00\x00\x00")

// TestEncryptor is a deterministic stand-in for AgeEncryptor. It remembers
// the Setup passphrase and rejects others in Unlock, so callers exercise the
// wrong-passphrase path too. Before Setup any passphrase unlocks.
type TestEncryptor struct {
	passphrase string
	configured bool
}

var _ replica.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	if e.configured {
		return ErrAlreadyConfigured
	}
	e.passphrase = passphrase
	e.configured = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (replica.DecryptionContext, error) {
	if e.configured && passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return &TestDecryptionContext{}, nil
}

// IsConfigured always reports true so pushes work without a Setup call.
func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ replica.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
