package chain

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// Algorithm names a checksum function.
type Algorithm string

const (
	AlgorithmMD5    Algorithm = "md5"
	AlgorithmSHA256 Algorithm = "sha256"
)

// checksumBufferSize is the read size used while hashing backup files.
const checksumBufferSize = 8 * 1024

// DefaultEssentialExtensions are the file types a backup folder without a
// manifest must contain to pass basic verification.
var DefaultEssentialExtensions = []string{".ovf", ".vmdk"}

func newHash(a Algorithm) (hash.Hash, error) {
	switch a {
	case AlgorithmMD5:
		return md5.New(), nil
	case AlgorithmSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", a)
	}
}

// ParseAlgorithm validates an algorithm name from configuration.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(s))
	if _, err := newHash(a); err != nil {
		return "", err
	}
	return a, nil
}

// FileChecksum is one manifest record. Error is set instead of Checksum when
// the file could not be read at manifest time.
type FileChecksum struct {
	Size         int64      `json:"size,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	Algorithm    Algorithm  `json:"algorithm,omitempty"`
	ModifiedTime *time.Time `json:"modified_time,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Manifest records the checksum of every file in a backup folder. Keys of
// Checksums are slash-separated paths relative to the folder.
type Manifest struct {
	BackupID       string                  `json:"backup_id"`
	Subject        string                  `json:"subject"`
	BackupType     BackupType              `json:"backup_type"`
	BackupMode     Mode                    `json:"backup_mode"`
	Timestamp      time.Time               `json:"timestamp"`
	CreatedAt      time.Time               `json:"created_at"`
	Algorithm      Algorithm               `json:"algorithm"`
	TotalSizeBytes int64                   `json:"total_size_bytes"`
	FileCount      int                     `json:"file_count"`
	Checksums      map[string]FileChecksum `json:"checksums"`
}

// ManifestInfo describes the backup a manifest is created for.
type ManifestInfo struct {
	BackupID  string
	Type      BackupType
	Mode      Mode
	Timestamp time.Time
}

// Excluder decides which files in a backup folder are not checksummed.
type Excluder interface {
	Match(relativePath string) bool
}

// VerificationMode tells how thoroughly a backup was verified.
type VerificationMode string

const (
	// VerificationManifest compares every file against the manifest.
	VerificationManifest VerificationMode = "manifest"
	// VerificationBasic only checks that an essential file is present.
	VerificationBasic VerificationMode = "basic"
)

// VerificationResult is the outcome of verifying one backup folder.
type VerificationResult struct {
	BackupID       string           `json:"backup_id"`
	Valid          bool             `json:"valid"`
	Mode           VerificationMode `json:"mode"`
	TotalFiles     int              `json:"total_files"`
	VerifiedFiles  int              `json:"verified_files"`
	CorruptedFiles []string         `json:"corrupted_files"`
	MissingFiles   []string         `json:"missing_files"`
	Errors         []string         `json:"errors"`
	Warnings       []string         `json:"warnings"`
}

// VerificationSummary aggregates the verification of every backup in a chain.
type VerificationSummary struct {
	Subject      string                         `json:"subject"`
	TotalBackups int                            `json:"total_backups"`
	ValidCount   int                            `json:"valid"`
	InvalidCount int                            `json:"invalid"`
	Results      map[string]*VerificationResult `json:"results"`
}

// IntegrityChecker creates manifests for backup folders and verifies folders
// against them.
type IntegrityChecker struct {
	manager   *Manager
	exclude   Excluder
	essential []string
	algorithm Algorithm
}

// NewIntegrityChecker creates a checker over the manager's storage. exclude may
// be nil. An empty essential list falls back to DefaultEssentialExtensions.
func NewIntegrityChecker(manager *Manager, algorithm Algorithm, exclude Excluder, essential []string) *IntegrityChecker {
	if algorithm == "" {
		algorithm = AlgorithmSHA256
	}
	if len(essential) == 0 {
		essential = DefaultEssentialExtensions
	}
	lowered := make([]string, len(essential))
	for i, ext := range essential {
		lowered[i] = strings.ToLower(ext)
	}
	return &IntegrityChecker{
		manager:   manager,
		exclude:   exclude,
		essential: lowered,
		algorithm: algorithm,
	}
}

// Algorithm returns the configured algorithm CalculateChecksums defaults to.
// Manifests are always SHA-256.
func (ic *IntegrityChecker) Algorithm() Algorithm {
	return ic.algorithm
}

// CalculateChecksums hashes every file below folder except the manifest and
// excluded files. A file that cannot be read gets a record with Error set.
// An empty algorithm uses the checker's configured one.
func (ic *IntegrityChecker) CalculateChecksums(folder string, algorithm Algorithm) (map[string]FileChecksum, error) {
	if algorithm == "" {
		algorithm = ic.algorithm
	}
	if _, err := newHash(algorithm); err != nil {
		return nil, err
	}

	storage := ic.manager.storage
	exists, err := storage.Exists(folder)
	if err != nil {
		return nil, fmt.Errorf("checking folder %s: %w", folder, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: folder %s", ErrNotFound, folder)
	}

	files, err := storage.ListFiles(folder)
	if err != nil {
		return nil, fmt.Errorf("listing folder %s: %w", folder, err)
	}

	checksums := make(map[string]FileChecksum, len(files))
	for _, f := range files {
		if f.Path == ManifestFileName || (ic.exclude != nil && ic.exclude.Match(f.Path)) {
			continue
		}

		sum, size, err := ic.checksumFile(path.Join(folder, f.Path), algorithm)
		if err != nil {
			ic.manager.logger.Error("checksum failed", "path", path.Join(folder, f.Path), "error", err)
			checksums[f.Path] = FileChecksum{Error: err.Error()}
			continue
		}

		modTime := f.ModTime.UTC()
		checksums[f.Path] = FileChecksum{
			Size:         size,
			Checksum:     sum,
			Algorithm:    algorithm,
			ModifiedTime: &modTime,
		}
	}
	return checksums, nil
}

// checksumFile streams a file through the hash and returns the hex digest and
// the number of bytes read.
func (ic *IntegrityChecker) checksumFile(p string, algorithm Algorithm) (string, int64, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", 0, err
	}

	r, err := ic.manager.storage.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	size, err := io.CopyBuffer(h, r, make([]byte, checksumBufferSize))
	if err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// CreateManifest checksums folder with SHA-256 and writes manifest.json into it.
func (ic *IntegrityChecker) CreateManifest(folder string, info ManifestInfo) (*Manifest, error) {
	checksums, err := ic.CalculateChecksums(folder, AlgorithmSHA256)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		BackupID:   info.BackupID,
		Subject:    ic.manager.subject,
		BackupType: info.Type,
		BackupMode: info.Mode,
		Timestamp:  info.Timestamp.UTC(),
		CreatedAt:  ic.manager.clock.Now().UTC(),
		Algorithm:  AlgorithmSHA256,
		FileCount:  len(checksums),
		Checksums:  checksums,
	}
	for _, c := range checksums {
		m.TotalSizeBytes += c.Size
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	manifestPath := path.Join(folder, ManifestFileName)
	if err := ic.manager.storage.Write(manifestPath, data); err != nil {
		return nil, fmt.Errorf("writing manifest %s: %w", manifestPath, err)
	}

	ic.manager.logger.Info("manifest created",
		"subject", ic.manager.subject,
		"backup_id", info.BackupID,
		"files", m.FileCount,
		"total_size_bytes", m.TotalSizeBytes)
	return m, nil
}

// CreateManifestForBackup writes the manifest of a backup already in the chain.
func (ic *IntegrityChecker) CreateManifestForBackup(backupID string) (*Manifest, error) {
	b, err := ic.manager.GetBackup(backupID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}
	return ic.CreateManifest(BackupFolder(ic.manager.subject, b.ID), ManifestInfo{
		BackupID:  b.ID,
		Type:      b.Type,
		Mode:      b.Mode,
		Timestamp: b.Timestamp,
	})
}

// ReadManifest loads a backup's manifest. A missing manifest wraps ErrNotFound.
func (ic *IntegrityChecker) ReadManifest(backupID string) (*Manifest, error) {
	data, err := ic.manager.storage.Read(ManifestPath(ic.manager.subject, backupID))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest of %s: %w", backupID, err)
	}
	return &m, nil
}

// VerifyBackupIntegrity checks a backup folder against its manifest. Without a
// manifest it falls back to basic verification, which only looks for an
// essential file. Problems are reported in the result, not as an error.
func (ic *IntegrityChecker) VerifyBackupIntegrity(backupID string) *VerificationResult {
	result := &VerificationResult{
		BackupID:       backupID,
		Mode:           VerificationManifest,
		CorruptedFiles: []string{},
		MissingFiles:   []string{},
		Errors:         []string{},
		Warnings:       []string{},
	}
	logger := ic.manager.logger

	folder := BackupFolder(ic.manager.subject, backupID)
	exists, err := ic.manager.storage.Exists(folder)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("checking backup folder %s: %v", folder, err))
		return result
	}
	if !exists {
		result.Errors = append(result.Errors, fmt.Sprintf("backup folder %s not found", folder))
		return result
	}

	manifest, err := ic.ReadManifest(backupID)
	if errors.Is(err, ErrNotFound) {
		ic.verifyBasic(folder, result)
		logger.Info("backup verified without manifest", "subject", ic.manager.subject, "backup_id", backupID, "valid", result.Valid)
		return result
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reading manifest: %v", err))
		return result
	}

	names := make([]string, 0, len(manifest.Checksums))
	for name := range manifest.Checksums {
		names = append(names, name)
	}
	sort.Strings(names)
	result.TotalFiles = len(names)

	for _, name := range names {
		ic.verifyFile(folder, name, manifest.Checksums[name], manifest.Algorithm, result)
	}

	result.Valid = len(result.MissingFiles) == 0 && len(result.CorruptedFiles) == 0 && len(result.Errors) == 0
	if result.Valid {
		logger.Info("backup verified", "subject", ic.manager.subject, "backup_id", backupID, "files", result.VerifiedFiles)
	} else {
		logger.Warn("backup failed verification",
			"subject", ic.manager.subject,
			"backup_id", backupID,
			"missing", len(result.MissingFiles),
			"corrupted", len(result.CorruptedFiles),
			"errors", len(result.Errors))
	}
	return result
}

func (ic *IntegrityChecker) verifyFile(folder, name string, want FileChecksum, fallback Algorithm, result *VerificationResult) {
	if want.Error != "" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s was not checksummed when the manifest was created: %s", name, want.Error))
		return
	}

	p := path.Join(folder, name)
	info, err := ic.manager.storage.Stat(p)
	if errors.Is(err, ErrNotFound) {
		result.MissingFiles = append(result.MissingFiles, name)
		return
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", name, err))
		return
	}
	if info.Size != want.Size {
		result.CorruptedFiles = append(result.CorruptedFiles, name)
		return
	}

	algorithm := want.Algorithm
	if algorithm == "" {
		algorithm = fallback
	}
	if algorithm == "" {
		algorithm = AlgorithmSHA256
	}
	sum, _, err := ic.checksumFile(p, algorithm)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("checksum %s: %v", name, err))
		return
	}
	if sum != want.Checksum {
		result.CorruptedFiles = append(result.CorruptedFiles, name)
		return
	}
	result.VerifiedFiles++
}

func (ic *IntegrityChecker) verifyBasic(folder string, result *VerificationResult) {
	result.Mode = VerificationBasic
	result.Warnings = append(result.Warnings, "no manifest found: only checked for essential files, contents were not verified")

	files, err := ic.manager.storage.ListFiles(folder)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("listing backup folder %s: %v", folder, err))
		return
	}
	result.TotalFiles = len(files)

	for _, f := range files {
		ext := strings.ToLower(path.Ext(f.Path))
		for _, want := range ic.essential {
			if ext == want {
				result.Valid = true
				return
			}
		}
	}
	result.Errors = append(result.Errors,
		fmt.Sprintf("no essential file (%s) found", strings.Join(ic.essential, ", ")))
}

// VerifyAllBackups verifies every backup in the chain.
func (ic *IntegrityChecker) VerifyAllBackups() (*VerificationSummary, error) {
	c, err := ic.manager.Load()
	if err != nil {
		return nil, err
	}

	summary := &VerificationSummary{
		Subject:      ic.manager.subject,
		TotalBackups: len(c.Backups),
		Results:      make(map[string]*VerificationResult, len(c.Backups)),
	}
	for _, b := range c.Backups {
		r := ic.VerifyBackupIntegrity(b.ID)
		summary.Results[b.ID] = r
		if r.Valid {
			summary.ValidCount++
		} else {
			summary.InvalidCount++
		}
	}

	ic.manager.logger.Info("chain verified",
		"subject", ic.manager.subject,
		"backups", summary.TotalBackups,
		"valid", summary.ValidCount,
		"invalid", summary.InvalidCount)
	return summary, nil
}
