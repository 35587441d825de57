package encryption

import (
	"fmt"

	"chainvault/internal/config"
	"chainvault/internal/replica"
)

// NewEncryptorFromConfig creates the replica Encryptor selected by the config type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (replica.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("public_key_path and private_key_path required for age encryption")
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
