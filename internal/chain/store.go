package chain

import (
	"errors"
	"fmt"
	"sort"
)

// ChainStore persists one chain document per subject. Documents are always
// read and written whole.
type ChainStore interface {
	// Load returns the subject's chain. A missing or unparseable document
	// yields a fresh empty chain rather than an error.
	Load(subject string) (*Chain, error)

	// Save normalizes and writes the chain, incrementing its Version.
	// It fails with ErrVersionConflict if the stored document changed since Load.
	Save(c *Chain) error
}

// CorruptSuffix names the copy kept of a chain document that could not be parsed.
const CorruptSuffix = ".corrupt"

// DocumentStore keeps chain documents as JSON files on a Storage backend.
// Before every overwrite the previous document is copied to chain.json.backup.
type DocumentStore struct {
	storage       Storage
	defaultPolicy RetentionPolicy
	logger        Logger
	clock         Clock
}

var _ ChainStore = (*DocumentStore)(nil)

// NewDocumentStore creates a DocumentStore. defaultPolicy is assigned to chains
// created on first use.
func NewDocumentStore(storage Storage, defaultPolicy RetentionPolicy, logger Logger, clock Clock) *DocumentStore {
	return &DocumentStore{
		storage:       storage,
		defaultPolicy: defaultPolicy,
		logger:        logger,
		clock:         clock,
	}
}

// Load reads the subject's chain document.
// Read failures other than a missing document are returned: replacing an
// unreachable document with an empty chain would overwrite it on the next save.
func (s *DocumentStore) Load(subject string) (*Chain, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	data, err := s.storage.Read(ChainPath(subject))
	if errors.Is(err, ErrNotFound) {
		s.logger.Info("no chain document, starting a new chain", "subject", subject)
		return NewChain(subject, s.clock.Now(), s.defaultPolicy), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chain document for %s: %w", subject, err)
	}

	c, err := DecodeChain(data)
	if err != nil {
		s.logger.Warn("chain document unreadable, starting a new chain", "subject", subject, "error", err)
		return NewChain(subject, s.clock.Now(), s.defaultPolicy), nil
	}
	if c.SubjectID != subject {
		s.logger.Warn("chain document names another subject", "subject", subject, "document_subject", c.SubjectID)
		c.SubjectID = subject
	}

	s.logger.Debug("chain loaded", "subject", subject, "backups", len(c.Backups), "version", c.Version)
	return c, nil
}

// Save writes the chain document, keeping a copy of the one it replaces.
// The copy is best-effort; the primary write is not.
func (s *DocumentStore) Save(c *Chain) error {
	if err := ValidateSubject(c.SubjectID); err != nil {
		return err
	}
	docPath := ChainPath(c.SubjectID)

	existing, err := s.storage.Read(docPath)
	switch {
	case errors.Is(err, ErrNotFound):
		if c.Version != 0 {
			return fmt.Errorf("%w: %s was deleted after version %d was loaded", ErrVersionConflict, c.SubjectID, c.Version)
		}
	case err != nil:
		s.logger.Warn("could not read current chain document for safety copy", "subject", c.SubjectID, "error", err)
	default:
		if err := s.keepPrevious(c, docPath, existing); err != nil {
			return err
		}
	}

	previousVersion := c.Version
	c.Version++
	data, err := EncodeChain(c)
	if err != nil {
		c.Version = previousVersion
		return err
	}

	if err := s.storage.Write(docPath, data); err != nil {
		c.Version = previousVersion
		return fmt.Errorf("writing chain document for %s: %w", c.SubjectID, err)
	}

	s.logger.Info("chain saved", "subject", c.SubjectID, "backups", c.TotalBackups, "version", c.Version)
	return nil
}

// keepPrevious checks the stored version and copies the stored document aside.
// An unparseable document goes to chain.json.corrupt so that the last good
// safety copy is not overwritten with it.
func (s *DocumentStore) keepPrevious(c *Chain, docPath string, existing []byte) error {
	prev, err := DecodeChain(existing)
	if err != nil {
		if werr := s.storage.Write(docPath+CorruptSuffix, existing); werr != nil {
			s.logger.Warn("could not keep unreadable chain document", "subject", c.SubjectID, "error", werr)
		}
		return nil
	}

	if prev.Version != c.Version {
		return fmt.Errorf("%w: %s is at version %d, loaded version %d", ErrVersionConflict, c.SubjectID, prev.Version, c.Version)
	}

	if err := s.storage.Write(docPath+SafetyCopySuffix, existing); err != nil {
		s.logger.Warn("could not write chain safety copy", "subject", c.SubjectID, "error", err)
	}
	return nil
}

// Subjects lists the top-level folders of the storage that hold a chain
// document, sorted.
func (s *DocumentStore) Subjects() ([]string, error) {
	dirs, err := s.storage.ListDirs("")
	if err != nil {
		return nil, fmt.Errorf("listing subjects: %w", err)
	}

	var subjects []string
	for _, d := range dirs {
		if !isPathSegment(d) {
			continue
		}
		ok, err := s.storage.Exists(ChainPath(d))
		if err != nil {
			return nil, fmt.Errorf("checking chain document of %s: %w", d, err)
		}
		if ok {
			subjects = append(subjects, d)
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}
