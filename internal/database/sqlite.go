package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chainvault/internal/chain"
	"chainvault/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation statuses recorded in the journal.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation is one row of the operation journal.
type Operation struct {
	ID         int64
	Operation  string
	Subject    string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
}

// ChainDocument is the stored form of one subject's chain. Previous holds the
// document that the last save replaced.
type ChainDocument struct {
	Subject   string
	Version   int64
	Document  []byte
	Previous  []byte
	UpdatedAt time.Time
}

// SQLiteDatabase holds the operation journal and, when configured as the chain
// store, the versioned chain documents.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path, now: time.Now}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db, now: time.Now}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Operation journal

// CreateOperation inserts a running operation and returns it with its id.
func (s *SQLiteDatabase) CreateOperation(operation, subject, parameters string) (*Operation, error) {
	op := &Operation{
		Operation:  operation,
		Subject:    subject,
		Parameters: parameters,
		StartedAt:  s.now().UTC(),
		Status:     StatusRunning,
	}
	res, err := s.db.Exec(
		`INSERT INTO operations (operation, subject, parameters, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		op.Operation, op.Subject, op.Parameters, op.StartedAt, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return op, nil
}

// FinishOperation records the end time and final status of an operation.
func (s *SQLiteDatabase) FinishOperation(id int64, status string) error {
	res, err := s.db.Exec(`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		s.now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing operation: no operation with id %d", id)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteDatabase) ListOperations(limit int) ([]*Operation, error) {
	rows, err := s.db.Query(
		`SELECT id, operation, subject, parameters, started_at, finished_at, status
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Subject, &op.Parameters, &op.StartedAt, &finished, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// MaxOperationID returns the highest operation id, 0 for an empty journal.
// It doubles as the journal version pushed to the replica.
func (s *SQLiteDatabase) MaxOperationID() (int64, error) {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max operation ID: %w", err)
	}
	return id, nil
}

// Chain documents

// LoadChainDocument returns the stored chain of subject, or nil if there is none.
func (s *SQLiteDatabase) LoadChainDocument(subject string) (*ChainDocument, error) {
	var doc ChainDocument
	err := s.db.QueryRow(
		`SELECT subject, version, document, previous, updated_at FROM chain_documents WHERE subject = ?`,
		subject).Scan(&doc.Subject, &doc.Version, &doc.Document, &doc.Previous, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading chain document %s: %w", subject, err)
	}
	return &doc, nil
}

// SaveChainDocument stores document as version expectedVersion+1. The save
// fails with chain.ErrVersionConflict unless the stored version equals
// expectedVersion (0 meaning no stored document). When rotate is set the
// replaced document becomes the previous copy; otherwise the previous copy is
// left as it was.
func (s *SQLiteDatabase) SaveChainDocument(subject string, expectedVersion int64, document []byte, rotate bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRow(`SELECT version FROM chain_documents WHERE subject = ?`, subject).Scan(&stored)
	now := s.now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != 0 {
			return fmt.Errorf("%w: %s was deleted after version %d was loaded", chain.ErrVersionConflict, subject, expectedVersion)
		}
		if _, err := tx.Exec(
			`INSERT INTO chain_documents (subject, version, document, updated_at) VALUES (?, ?, ?, ?)`,
			subject, expectedVersion+1, document, now); err != nil {
			return fmt.Errorf("inserting chain document %s: %w", subject, err)
		}
	case err != nil:
		return fmt.Errorf("reading chain document version %s: %w", subject, err)
	case stored != expectedVersion:
		return fmt.Errorf("%w: %s is at version %d, loaded version %d", chain.ErrVersionConflict, subject, stored, expectedVersion)
	default:
		if _, err := tx.Exec(
			`UPDATE chain_documents
			 SET previous = CASE WHEN ? THEN document ELSE previous END,
			     document = ?, version = ?, updated_at = ?
			 WHERE subject = ?`,
			rotate, document, expectedVersion+1, now, subject); err != nil {
			return fmt.Errorf("updating chain document %s: %w", subject, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListChainSubjects returns the subjects that have a stored chain, sorted.
func (s *SQLiteDatabase) ListChainSubjects() ([]string, error) {
	rows, err := s.db.Query(`SELECT subject FROM chain_documents ORDER BY subject`)
	if err != nil {
		return nil, fmt.Errorf("listing chain subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("scanning chain subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate applies pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
