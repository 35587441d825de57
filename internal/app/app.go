package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"chainvault/internal/chain"
	"chainvault/internal/config"
	"chainvault/internal/database"
	"chainvault/internal/encryption"
	"chainvault/internal/fs"
	"chainvault/internal/inbox"
	"chainvault/internal/metrics"
	"chainvault/internal/replica"
	"chainvault/internal/storage"
)

// chainStore is a ChainStore that can enumerate its subjects.
type chainStore interface {
	chain.ChainStore
	Subjects() ([]string, error)
}

var (
	_ chainStore = (*chain.DocumentStore)(nil)
	_ chainStore = (*database.ChainStore)(nil)
)

// App is the application layer between the CLI and the chain package.
// It constructs all dependencies from config, exposes one method per CLI
// operation, and on Close finishes the journal record, pushes replicas and
// writes metrics.
type App struct {
	cfg       *config.Config
	storage   chain.Storage
	store     chainStore
	db        *database.SQLiteDatabase
	inbox     *inbox.Inbox
	encryptor replica.Encryptor
	replica   *replica.Replica
	metrics   *metrics.Metrics
	exclude   chain.Excluder
	algorithm chain.Algorithm
	logger    chain.Logger
	clock     chain.Clock
	op        *Operation
	logFile   *os.File

	mu      sync.Mutex
	touched map[string]bool
}

// Options override collaborators for tests. The zero value is the production setup.
type Options struct {
	Clock     chain.Clock
	IDs       chain.IDGenerator
	LogLevel  slog.Leveler
	LogOutput io.Writer
}

// NewApp creates a fully wired App from the given config. operation names the
// CLI command being run (e.g. "chain add", "sweep"). The caller must call Close.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	return NewAppWithOptions(ctx, cfg, operation, Options{LogOutput: os.Stderr})
}

// NewAppWithOptions is NewApp with explicit collaborators.
func NewAppWithOptions(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = chain.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = chain.UUIDGenerator{}
	}
	if opts.LogLevel == nil {
		opts.LogLevel = slog.LevelInfo
	}

	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := defaultPolicy(cfg.Retention)
	if err != nil {
		return nil, err
	}
	algorithm, err := chain.ParseAlgorithm(cfg.Integrity.Algorithm)
	if err != nil {
		return nil, err
	}
	exclude, err := newExcludeMatcher(cfg.Integrity)
	if err != nil {
		return nil, err
	}

	start := opts.Clock.Now()
	opID := start.UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, opts.LogLevel, opts.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &App{
		cfg:       cfg,
		metrics:   metrics.New(cfg.HostID),
		exclude:   exclude,
		algorithm: algorithm,
		logger:    &slogAdapter{l: slogger},
		clock:     opts.Clock,
		op:        NewOperation(operation, start),
		logFile:   logFile,
		touched:   make(map[string]bool),
	}
	if err := a.wire(ctx, policy, opts.IDs); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, policy chain.RetentionPolicy, ids chain.IDGenerator) error {
	cfg := a.cfg

	st, err := storage.NewStorageFromConfig(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	a.storage = st

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	switch cfg.ChainStore.Type {
	case "document":
		a.store = chain.NewDocumentStore(st, policy, a.logger, a.clock)
	case "sqlite":
		a.store = database.NewChainStore(db, policy, a.logger, a.clock)
	default:
		return fmt.Errorf("unknown chain store type: %s", cfg.ChainStore.Type)
	}

	in, err := inbox.NewInboxFromConfig(cfg.Inbox, ids, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	a.inbox = in

	if cfg.Replica.Encrypt || cfg.Encryption.Type != "" || cfg.Encryption.PublicKeyPath != "" {
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
		a.encryptor = enc
	}

	if cfg.Replica.Enabled {
		if err := a.wireReplica(ctx); err != nil {
			return err
		}
	}
	return nil
}

// wireReplica connects the replica storage and refuses to run on a journal
// older than the replicated one.
func (a *App) wireReplica(ctx context.Context) error {
	st, err := storage.NewStorageFromConfig(ctx, a.cfg.Replica.Storage)
	if err != nil {
		return fmt.Errorf("creating replica storage: %w", err)
	}

	var enc replica.Encryptor
	if a.cfg.Replica.Encrypt {
		if a.encryptor == nil || !a.encryptor.IsConfigured() {
			return fmt.Errorf("replica encryption enabled but no keys: run 'chainvault encryption setup'")
		}
		enc = a.encryptor
	}
	a.replica = replica.New(st, a.cfg.HostID, enc, a.logger)

	localMax, err := a.db.MaxOperationID()
	if err != nil {
		return fmt.Errorf("checking local journal version: %w", err)
	}
	return a.replica.CheckJournal(localMax)
}

func defaultPolicy(cfg config.RetentionConfig) (chain.RetentionPolicy, error) {
	p := chain.RetentionPolicy{
		Type:        chain.PolicyType(cfg.Type),
		Value:       cfg.Value,
		KeepMonthly: cfg.KeepMonthly,
		KeepWeekly:  cfg.KeepWeekly,
	}
	if err := chain.ValidatePolicy(p); err != nil {
		return chain.RetentionPolicy{}, fmt.Errorf("default retention policy: %w", err)
	}
	return p, nil
}

func newExcludeMatcher(cfg config.IntegrityConfig) (*fs.ExcludeMatcher, error) {
	patterns := append([]string{}, cfg.Exclude...)
	if cfg.ExcludeFile != "" {
		fromFile, err := fs.ParseExcludeFile(cfg.ExcludeFile)
		if err != nil {
			return nil, fmt.Errorf("reading exclude file: %w", err)
		}
		patterns = append(patterns, fromFile...)
	}
	return fs.NewExcludeMatcher(patterns), nil
}

// persistOperation writes the operation to the journal on the first mutation.
func (a *App) persistOperation(subject, parameters string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.op.Persisted() {
		return nil
	}
	rec, err := a.db.CreateOperation(a.op.Name, subject, parameters)
	if err != nil {
		return a.op.Fail(fmt.Errorf("recording operation: %w", err))
	}
	a.op.ID = rec.ID
	a.op.Subject = subject
	a.op.Parameters = parameters
	return nil
}

// touch marks a subject whose chain document must be replicated on Close.
func (a *App) touch(subject string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touched[subject] = true
}

func (a *App) touchedSubjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	subjects := make([]string, 0, len(a.touched))
	for s := range a.touched {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

func (a *App) manager(subject string) (*chain.Manager, error) {
	return chain.NewManager(subject, a.store, a.storage, a.logger, a.clock)
}

func (a *App) integrity(m *chain.Manager) *chain.IntegrityChecker {
	return chain.NewIntegrityChecker(m, a.algorithm, a.exclude, a.cfg.Integrity.EssentialExtensions)
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Close finalizes the operation and closes all resources.
// For persisted operations it finishes the journal record and pushes the
// touched chains and a journal snapshot to the replica.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() {
		keep(a.db.FinishOperation(a.op.ID, a.op.Status))
		if a.replica != nil {
			keep(a.pushReplica())
		}
	}

	var opErr error
	if a.op.Status == database.StatusError {
		opErr = fmt.Errorf("%s failed", a.op.Name)
	}
	a.metrics.Operation(a.op.Name, a.clock.Now().Sub(a.op.StartedAt), opErr)
	for _, subject := range a.touchedSubjects() {
		if stats, err := a.Statistics(subject); err == nil {
			a.metrics.Chain(stats)
		}
	}
	if path := a.cfg.Metrics.TextfilePath; path != "" {
		keep(a.metrics.WriteTextfile(path))
	}

	keep(a.release())
	return firstErr
}

// release closes the database and the log file.
func (a *App) release() error {
	var err error
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
		a.db = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return err
}
