package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"chainvault/internal/chain"
	"chainvault/internal/config"
	"chainvault/internal/encryption"
	"chainvault/internal/replica"
)

// ErrReplicaDisabled is returned by replica operations when no replica is configured.
var ErrReplicaDisabled = errors.New("replica is not enabled in config")

// SetupEncryption generates the replica key pair. It does not need a wired
// App, since NewApp refuses encrypted replicas until the keys exist.
func SetupEncryption(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}

// pushReplica uploads the touched chains, then a snapshot of the journal.
// The journal goes last: its version marker is what the next run compares
// against, so it must not claim state whose chains were not pushed.
func (a *App) pushReplica() error {
	for _, subject := range a.touchedSubjects() {
		c, err := a.store.Load(subject)
		if err != nil {
			return fmt.Errorf("loading %s for replica: %w", subject, err)
		}
		if err := a.replica.PushChain(c); err != nil {
			return fmt.Errorf("replicating chain %s: %w", subject, err)
		}
	}

	tmpDir, err := os.MkdirTemp("", "chainvault-journal-*")
	if err != nil {
		return fmt.Errorf("creating temp dir for journal snapshot: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshotPath := filepath.Join(tmpDir, "journal.db")
	if err := a.db.BackupTo(snapshotPath); err != nil {
		return err
	}
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("reading journal snapshot: %w", err)
	}
	version, err := a.db.MaxOperationID()
	if err != nil {
		return fmt.Errorf("reading journal version: %w", err)
	}
	return a.replica.PushJournal(data, version)
}

// PullChain replaces the local chain document of subject with the replicated
// one. passphrase is only used when the replica is encrypted.
func (a *App) PullChain(subject, passphrase string) (*chain.Chain, error) {
	if a.replica == nil {
		return nil, ErrReplicaDisabled
	}
	if err := a.persistOperation(subject, "replica pull"); err != nil {
		return nil, err
	}

	var dec replica.DecryptionContext
	if a.cfg.Replica.Encrypt {
		var err error
		if dec, err = a.encryptor.Unlock(passphrase); err != nil {
			return nil, a.op.Fail(fmt.Errorf("unlocking replica key: %w", err))
		}
	}

	pulled, err := a.replica.PullChain(subject, dec)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	local, err := a.store.Load(subject)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	pulled.SubjectID = subject
	pulled.Version = local.Version
	if err := a.store.Save(pulled); err != nil {
		return nil, a.op.Fail(err)
	}

	a.logger.Info("chain restored from replica", "subject", subject, "backups", len(pulled.Backups))
	a.touch(subject)
	return pulled, nil
}
