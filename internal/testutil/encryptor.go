package testutil

import (
	"chainvault/internal/encryption"
	"chainvault/internal/replica"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() replica.Encryptor {
	return encryption.NewTestEncryptor()
}
