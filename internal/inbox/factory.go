package inbox

import (
	"fmt"

	"chainvault/internal/chain"
	"chainvault/internal/config"
)

// NewInboxFromConfig creates an Inbox backed by the store the config type selects.
func NewInboxFromConfig(cfg config.InboxConfig, ids chain.IDGenerator, clock chain.Clock, logger chain.Logger) (*Inbox, error) {
	switch cfg.Type {
	case "memory":
		return newInbox(newMemoryStore(), ids, clock, logger), nil
	case "filesystem":
		if cfg.InboxDir == "" {
			return nil, fmt.Errorf("filesystem inbox requires inbox_dir to be set")
		}
		store, err := newFilesystemStore(cfg.InboxDir)
		if err != nil {
			return nil, err
		}
		return newInbox(store, ids, clock, logger), nil
	default:
		return nil, fmt.Errorf("unknown inbox type: %s", cfg.Type)
	}
}
