package replica

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"chainvault/internal/chain"
)

// Encryptor encrypts replica documents with a public key and unlocks the
// private key for pulls.
type Encryptor interface {
	// Setup performs one-time key generation. It generates a key pair, stores
	// the public key in plaintext and the private key encrypted with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	// Uses the public key only, so no passphrase is required.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for one pull.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// JournalName is the document name of the journal snapshot.
const JournalName = "journal"

const (
	plainFile     = "data"
	encryptedFile = "data.age"
	versionFile   = "version"
)

// ErrLocked is returned when pulling an encrypted document without a
// decryption context.
var ErrLocked = errors.New("replica document is encrypted")

// Replica copies metadata documents to a secondary Storage under
// metadata/{host_id}/{name}/. Each document has a version marker that is
// written after its data, so a present marker means the data is complete.
type Replica struct {
	storage chain.Storage
	hostID  string
	enc     Encryptor
	logger  chain.Logger
}

// New creates a Replica. enc may be nil for plaintext replicas.
func New(storage chain.Storage, hostID string, enc Encryptor, logger chain.Logger) *Replica {
	return &Replica{storage: storage, hostID: hostID, enc: enc, logger: logger}
}

// ChainName is the document name of a subject's chain.
func ChainName(subject string) string {
	return path.Join("chains", subject)
}

func (r *Replica) dir(name string) string {
	return path.Join("metadata", r.hostID, name)
}

// Push stores data as the given version of document name.
func (r *Replica) Push(name string, data []byte, version int64) error {
	dir := r.dir(name)

	file := plainFile
	stale := encryptedFile
	if r.enc != nil {
		var buf bytes.Buffer
		if err := r.enc.Encrypt(bytes.NewReader(data), &buf); err != nil {
			return fmt.Errorf("encrypting %s: %w", name, err)
		}
		data = buf.Bytes()
		file, stale = encryptedFile, plainFile
	}

	if err := r.storage.Write(path.Join(dir, file), data); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	if err := r.storage.DeleteRecursive(path.Join(dir, stale)); err != nil {
		r.logger.Warn("could not remove stale replica copy", "name", name, "error", err)
	}
	if err := r.storage.Write(path.Join(dir, versionFile), []byte(strconv.FormatInt(version, 10))); err != nil {
		return fmt.Errorf("uploading version marker of %s: %w", name, err)
	}

	r.logger.Info("replica updated", "name", name, "version", version, "bytes", len(data), "encrypted", r.enc != nil)
	return nil
}

// Version returns the version marker of document name, 0 if it was never pushed.
func (r *Replica) Version(name string) (int64, error) {
	data, err := r.storage.Read(path.Join(r.dir(name), versionFile))
	if errors.Is(err, chain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version marker of %s: %w", name, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version marker of %s: %w", name, err)
	}
	return v, nil
}

// Pull returns the latest data of document name. dec is required when the
// document was pushed encrypted and ignored otherwise.
func (r *Replica) Pull(name string, dec DecryptionContext) ([]byte, error) {
	dir := r.dir(name)

	data, err := r.storage.Read(path.Join(dir, encryptedFile))
	if err == nil {
		if dec == nil {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		var buf bytes.Buffer
		if err := dec.Decrypt(bytes.NewReader(data), &buf); err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", name, err)
		}
		return buf.Bytes(), nil
	}
	if !errors.Is(err, chain.ErrNotFound) {
		return nil, fmt.Errorf("downloading %s: %w", name, err)
	}

	data, err = r.storage.Read(path.Join(dir, plainFile))
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", name, err)
	}
	return data, nil
}

// PushChain stores a chain document, versioned by the chain's Version.
func (r *Replica) PushChain(c *chain.Chain) error {
	data, err := chain.EncodeChain(c)
	if err != nil {
		return err
	}
	return r.Push(ChainName(c.SubjectID), data, c.Version)
}

// PullChain fetches and parses a subject's chain document.
func (r *Replica) PullChain(subject string, dec DecryptionContext) (*chain.Chain, error) {
	if err := chain.ValidateSubject(subject); err != nil {
		return nil, err
	}
	data, err := r.Pull(ChainName(subject), dec)
	if err != nil {
		return nil, err
	}
	return chain.DecodeChain(data)
}

// PushJournal uploads a journal snapshot as the given version.
func (r *Replica) PushJournal(snapshot []byte, version int64) error {
	return r.Push(JournalName, snapshot, version)
}

// CheckJournal fails when the replica holds a newer journal than local, which
// means this host lost state that only the replica still has.
func (r *Replica) CheckJournal(local int64) error {
	remote, err := r.Version(JournalName)
	if err != nil {
		return fmt.Errorf("checking replica journal version: %w", err)
	}
	if remote > local {
		return fmt.Errorf("local journal is behind replica (local=%d, replica=%d): restore from the replica or re-initialize", local, remote)
	}
	return nil
}
