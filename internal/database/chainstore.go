package database

import (
	"fmt"

	"chainvault/internal/chain"
)

// ChainStore keeps chain documents in the chain_documents table. Saves are
// conditional on the stored version, so two writers cannot lose each other's
// updates.
type ChainStore struct {
	db            *SQLiteDatabase
	defaultPolicy chain.RetentionPolicy
	logger        chain.Logger
	clock         chain.Clock
}

var _ chain.ChainStore = (*ChainStore)(nil)

// NewChainStore creates a ChainStore on db. defaultPolicy is assigned to
// chains created on first use.
func NewChainStore(db *SQLiteDatabase, defaultPolicy chain.RetentionPolicy, logger chain.Logger, clock chain.Clock) *ChainStore {
	return &ChainStore{db: db, defaultPolicy: defaultPolicy, logger: logger, clock: clock}
}

// Load returns the stored chain of subject. A missing row or an unparseable
// document yields a fresh chain. An unparseable document's version is carried
// over so the next save replaces it.
func (s *ChainStore) Load(subject string) (*chain.Chain, error) {
	if err := chain.ValidateSubject(subject); err != nil {
		return nil, err
	}

	doc, err := s.db.LoadChainDocument(subject)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		s.logger.Info("no chain document, starting a new chain", "subject", subject)
		return chain.NewChain(subject, s.clock.Now(), s.defaultPolicy), nil
	}

	c, err := chain.DecodeChain(doc.Document)
	if err != nil {
		s.logger.Warn("chain document unreadable, starting a new chain", "subject", subject, "version", doc.Version, "error", err)
		fresh := chain.NewChain(subject, s.clock.Now(), s.defaultPolicy)
		fresh.Version = doc.Version
		return fresh, nil
	}
	if c.SubjectID != subject {
		s.logger.Warn("chain document names another subject", "subject", subject, "document_subject", c.SubjectID)
		c.SubjectID = subject
	}
	// The row version is authoritative.
	c.Version = doc.Version

	s.logger.Debug("chain loaded", "subject", subject, "backups", len(c.Backups), "version", c.Version)
	return c, nil
}

// Save writes c as the next version of its document. The replaced document is
// kept as the previous copy unless it was unparseable, in which case the last
// good copy stays.
func (s *ChainStore) Save(c *chain.Chain) error {
	if err := chain.ValidateSubject(c.SubjectID); err != nil {
		return err
	}

	rotate := true
	current, err := s.db.LoadChainDocument(c.SubjectID)
	if err != nil {
		return err
	}
	if current != nil {
		if _, derr := chain.DecodeChain(current.Document); derr != nil {
			s.logger.Warn("replacing unreadable chain document", "subject", c.SubjectID, "version", current.Version)
			rotate = false
		}
	}

	loaded := c.Version
	c.Version++
	data, err := chain.EncodeChain(c)
	if err != nil {
		c.Version = loaded
		return err
	}

	if err := s.db.SaveChainDocument(c.SubjectID, loaded, data, rotate); err != nil {
		c.Version = loaded
		return fmt.Errorf("saving chain document for %s: %w", c.SubjectID, err)
	}

	s.logger.Info("chain saved", "subject", c.SubjectID, "backups", c.TotalBackups, "version", c.Version)
	return nil
}

// Subjects lists every subject with a stored chain.
func (s *ChainStore) Subjects() ([]string, error) {
	return s.db.ListChainSubjects()
}
