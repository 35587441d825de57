package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the main configuration for chainvault.
type Config struct {
	HostID     string           `toml:"host_id" validate:"required"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Storage    StorageConfig    `toml:"storage"`
	ChainStore ChainStoreConfig `toml:"chain_store"`
	Database   DatabaseConfig   `toml:"database"`
	Inbox      InboxConfig      `toml:"inbox"`
	Replica    ReplicaConfig    `toml:"replica"`
	Encryption EncryptionConfig `toml:"encryption"`
	Integrity  IntegrityConfig  `toml:"integrity"`
	Retention  RetentionConfig  `toml:"retention"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Workers    WorkersConfig    `toml:"workers"`
}

// StorageConfig represents configuration for a storage backend holding chain
// documents and backup folders.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type string `toml:"type" validate:"oneof=filesystem memory s3"`
	Name string `toml:"name"`

	// FileSystem-specific fields (only used when Type == "filesystem").
	// A mounted SMB/NFS share is configured as a filesystem root.
	FSRoot string `toml:"fs_root,omitempty" validate:"required_if=Type filesystem"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3UsePathStyle    bool   `toml:"s3_use_path_style,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// ChainStoreConfig selects where chain documents are persisted.
type ChainStoreConfig struct {
	Type string `toml:"type" validate:"oneof=document sqlite"` // "document" (chain.json in storage) or "sqlite"
}

// DatabaseConfig represents configuration for the operation journal database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"oneof=sqlite memory"`                      // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"` // only used for type=sqlite
}

// InboxConfig represents configuration for the queue of backup-completion events.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type InboxConfig struct {
	Type     string `toml:"type" validate:"oneof=memory filesystem"`                  // "memory" or "filesystem"
	InboxDir string `toml:"inbox_dir,omitempty" validate:"required_if=Type filesystem"` // only used for type=filesystem
}

// ReplicaConfig configures the secondary storage that metadata is copied to.
type ReplicaConfig struct {
	Enabled bool          `toml:"enabled"`
	Encrypt bool          `toml:"encrypt"`
	Storage StorageConfig `toml:"storage" validate:"-"`
}

// EncryptionConfig holds paths to the age key pair used for replica encryption.
type EncryptionConfig struct {
	Type           string `toml:"type" validate:"omitempty,oneof=age test"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// IntegrityConfig holds checksum settings.
type IntegrityConfig struct {
	Algorithm           string   `toml:"algorithm" validate:"omitempty,oneof=md5 sha256"`
	EssentialExtensions []string `toml:"essential_extensions"`
	// Exclude patterns without '/' match basenames; with '/' they match the
	// path relative to the backup folder.
	Exclude     []string `toml:"exclude"`
	ExcludeFile string   `toml:"exclude_file,omitempty"`
}

// RetentionConfig is the policy assigned to chains created on first use.
type RetentionConfig struct {
	Type        string `toml:"type" validate:"oneof=age-days count"`
	Value       int    `toml:"value" validate:"min=1"`
	KeepMonthly bool   `toml:"keep_monthly"`
	KeepWeekly  bool   `toml:"keep_weekly"`
}

// MetricsConfig configures the node_exporter textfile written on exit.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path,omitempty"`
}

// WorkersConfig bounds concurrency of multi-subject sweeps.
type WorkersConfig struct {
	MaxParallel int `toml:"max_parallel" validate:"min=1"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Storage: StorageConfig{
			Type:   "filesystem",
			Name:   "primary",
			FSRoot: filepath.Join(baseDir, "storage"),
		},
		ChainStore: ChainStoreConfig{Type: "document"},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Inbox: InboxConfig{
			Type:     "filesystem",
			InboxDir: filepath.Join(baseDir, "inbox"),
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "chainvault.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "chainvault.key"),
		},
		Integrity: IntegrityConfig{
			Algorithm:           "sha256",
			EssentialExtensions: []string{".ovf", ".vmdk"},
		},
		Retention: RetentionConfig{
			Type:        "age-days",
			Value:       30,
			KeepMonthly: true,
		},
		Workers: WorkersConfig{MaxParallel: 4},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// FillDefaults sets sections that older config files may lack.
func (c *Config) FillDefaults() {
	if c.ChainStore.Type == "" {
		c.ChainStore.Type = "document"
	}
	if c.Inbox.Type == "" {
		c.Inbox.Type = "memory"
	}
	if c.Integrity.Algorithm == "" {
		c.Integrity.Algorithm = "sha256"
	}
	if c.Retention.Type == "" {
		c.Retention = RetentionConfig{Type: "age-days", Value: 30, KeepMonthly: true}
	}
	if c.Workers.MaxParallel == 0 {
		c.Workers.MaxParallel = 4
	}
}

// Validate checks the tagged-union sections for missing or unknown values.
func (c *Config) Validate() error {
	if err := describe(validate.Struct(c)); err != nil {
		return err
	}
	if c.Replica.Enabled {
		if err := describe(validate.Struct(c.Replica.Storage)); err != nil {
			return fmt.Errorf("replica storage: %w", err)
		}
	}
	return nil
}

func describe(err error) error {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
