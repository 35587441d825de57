package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chainvault/internal/chain"
	"chainvault/internal/config"
	"chainvault/internal/database"
	"chainvault/internal/storage"
	"chainvault/internal/testutil"
)

const subject = "vm-01"

// testConfig returns a config with filesystem storage under a temp dir and
// in-memory journal and inbox.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig("host-1", t.TempDir())
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Inbox = config.InboxConfig{Type: "memory"}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := NewAppWithOptions(context.Background(), cfg, "test", Options{
		Clock: testutil.FixedClock(),
		IDs:   testutil.NewStubIDGenerator(),
	})
	if err != nil {
		t.Fatalf("NewAppWithOptions() error = %v", err)
	}
	return a
}

func fullReq(id string, daysAgo int) chain.AddBackupRequest {
	return chain.AddBackupRequest{
		BackupID:  id,
		Type:      chain.TypeFull,
		Mode:      chain.ModeFullSnapshot,
		Timestamp: testutil.FixedClock().DaysAgo(daysAgo),
		SizeBytes: 1000,
	}
}

func incrReq(id, base string, daysAgo int) chain.AddBackupRequest {
	return chain.AddBackupRequest{
		BackupID:     id,
		Type:         chain.TypeIncremental,
		Mode:         chain.ModeBlockDiff,
		Timestamp:    testutil.FixedClock().DaysAgo(daysAgo),
		SizeBytes:    100,
		BaseBackupID: base,
	}
}

// migratedSQLite prepares an on-disk journal so apps can be reopened against it.
func migratedSQLite(t *testing.T, cfg *config.Config) {
	t.Helper()
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(t.TempDir(), "db")}
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	db.Close()
}

func journal(t *testing.T, cfg *config.Config) []*database.Operation {
	t.Helper()
	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ops, err := db.ListOperations(100)
	if err != nil {
		t.Fatal(err)
	}
	return ops
}

func TestNewApp_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		want   string
	}{
		{"missing host id", func(cfg *config.Config) { cfg.HostID = "" }, "HostID"},
		{"bad algorithm", func(cfg *config.Config) { cfg.Integrity.Algorithm = "crc32" }, "Algorithm"},
		{"bad default policy", func(cfg *config.Config) { cfg.Retention.Value = 0 }, "Value"},
		{"unmigrated journal", func(cfg *config.Config) {
			cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}
		}, "schema out of date"},
		{"missing exclude file", func(cfg *config.Config) { cfg.Integrity.ExcludeFile = "/nonexistent/exclude" }, "exclude file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := NewAppWithOptions(context.Background(), cfg, "test", Options{Clock: testutil.FixedClock()})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("NewAppWithOptions() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestApp_RecordBackup(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Close()
	testutil.WriteBackupFolder(t, a.storage, subject, "F1", testutil.VMFiles("disk"))

	report, err := a.RecordBackup(subject, fullReq("F1", 1))
	if err != nil {
		t.Fatalf("RecordBackup() error = %v", err)
	}
	if len(report.Errors) != 0 {
		t.Errorf("Errors = %v, want none", report.Errors)
	}
	if report.Manifest == nil || report.Manifest.FileCount != 2 {
		t.Fatalf("Manifest = %+v, want 2 files", report.Manifest)
	}
	if report.Verification == nil || !report.Verification.Valid || report.Verification.Mode != chain.VerificationManifest {
		t.Errorf("Verification = %+v, want valid manifest verification", report.Verification)
	}
	if report.Retention == nil || report.Retention.DeletedCount != 0 {
		t.Errorf("Retention = %+v, want nothing deleted", report.Retention)
	}

	entry, _ := report.Chain.Find("F1")
	if entry == nil || !entry.IntegrityVerified {
		t.Errorf("F1 entry = %+v, want integrity_verified", entry)
	}

	ops, err := a.History(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Subject != subject || ops[0].Parameters != "F1" {
		t.Errorf("History() = %+v, want one operation for vm-01/F1", ops)
	}
}

func TestApp_RecordBackupBestEffort(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Close()

	report, err := a.RecordBackup(subject, fullReq("F1", 1))
	if err != nil {
		t.Fatalf("RecordBackup() without folder error = %v, want the backup recorded", err)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "creating manifest") {
		t.Errorf("Errors = %v, want one manifest error", report.Errors)
	}
	if report.Verification != nil {
		t.Errorf("Verification = %+v, want none without a manifest", report.Verification)
	}
	if len(report.Chain.Backups) != 1 {
		t.Errorf("chain has %d backups, want 1", len(report.Chain.Backups))
	}
	if a.op.Status != database.StatusSuccess {
		t.Errorf("operation status = %q, want success", a.op.Status)
	}
}

func TestApp_RecordBackupRefused(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Close()

	_, err := a.RecordBackup(subject, incrReq("I1", "F9", 1))
	if !errors.Is(err, chain.ErrBaseNotFound) {
		t.Fatalf("RecordBackup() error = %v, want ErrBaseNotFound", err)
	}
	if a.op.Status != database.StatusError {
		t.Errorf("operation status = %q, want error", a.op.Status)
	}
}

func TestApp_DrainInbox(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Close()
	testutil.WriteBackupFolder(t, a.storage, subject, "F1", testutil.VMFiles("disk"))
	testutil.WriteBackupFolder(t, a.storage, subject, "I2", map[string]string{"disk-0-delta.vmdk": "delta"})

	for _, req := range []chain.AddBackupRequest{
		fullReq("F1", 2),
		incrReq("I1", "F9", 2),
		incrReq("I2", "F1", 1),
	} {
		if _, err := a.PushEvent(subject, req); err != nil {
			t.Fatalf("PushEvent(%s) error = %v", req.BackupID, err)
		}
	}

	report, err := a.DrainInbox()
	if err != nil {
		t.Fatalf("DrainInbox() error = %v", err)
	}
	if len(report.Processed) != 2 || len(report.Rejected) != 1 || report.Remaining != 0 {
		t.Errorf("DrainInbox() = %d processed, %d rejected, %d remaining; want 2, 1, 0",
			len(report.Processed), len(report.Rejected), report.Remaining)
	}

	c, err := a.Chain(subject)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(c.Backups); got != 2 {
		t.Errorf("chain has %d backups, want 2", got)
	}
	i2, _ := c.Find("I2")
	if i2 == nil || !i2.IntegrityVerified {
		t.Errorf("I2 = %+v, want recorded and verified", i2)
	}

	rejected, err := a.RejectedEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 1 || rejected[0].Event.Backup.BackupID != "I1" {
		t.Errorf("RejectedEvents() = %+v, want I1", rejected)
	}
}

func TestApp_ChainOperations(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Close()

	for _, req := range []chain.AddBackupRequest{fullReq("F1", 3), incrReq("I1", "F1", 2), incrReq("I2", "F1", 1)} {
		if _, err := a.AddBackup(subject, req); err != nil {
			t.Fatal(err)
		}
	}

	restore, err := a.RestoreChain(subject, "I2")
	if err != nil {
		t.Fatalf("RestoreChain() error = %v", err)
	}
	if len(restore) != 3 || restore[0].ID != "F1" || restore[2].ID != "I2" {
		t.Errorf("RestoreChain(I2) = %d entries", len(restore))
	}

	stats, err := a.Statistics(subject)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FullBackups != 1 || stats.IncrementalBackups != 2 || stats.TotalSizeBytes != 1200 {
		t.Errorf("Statistics() = %+v", stats)
	}

	if _, err := a.RemoveBackup(subject, "F1"); !errors.Is(err, chain.ErrHasDependents) {
		t.Errorf("RemoveBackup(F1) error = %v, want ErrHasDependents", err)
	}

	subjects, err := a.Subjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(subjects) != 1 || subjects[0] != subject {
		t.Errorf("Subjects() = %v", subjects)
	}
}

func TestApp_RetentionPolicy(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Close()

	for _, req := range []chain.AddBackupRequest{fullReq("F1", 40), fullReq("F2", 35), fullReq("F3", 1)} {
		if _, err := a.AddBackup(subject, req); err != nil {
			t.Fatal(err)
		}
	}

	preview, err := a.PreviewRetention(subject, nil)
	if err != nil {
		t.Fatalf("PreviewRetention() error = %v", err)
	}
	if fmt.Sprint(preview.BackupsToDelete) != "[F2]" {
		t.Errorf("default policy would delete %v, want [F2]", preview.BackupsToDelete)
	}

	preview, err = a.PreviewRetention(subject, &chain.RetentionPolicy{Type: chain.PolicyCount, Value: 2})
	if err != nil {
		t.Fatalf("PreviewRetention(count=2) error = %v", err)
	}
	if fmt.Sprint(preview.BackupsToDelete) != "[F1]" || preview.Policy.Type != chain.PolicyCount {
		t.Errorf("count=2 would delete %v under %s, want [F1]", preview.BackupsToDelete, preview.Policy)
	}

	bad := chain.RetentionPolicy{Type: chain.PolicyCount, Value: 0}
	if err := a.SetPolicy(subject, bad); !errors.Is(err, chain.ErrInvalidPolicy) {
		t.Errorf("SetPolicy(value=0) error = %v, want ErrInvalidPolicy", err)
	}

	if err := a.SetPolicy(subject, chain.RetentionPolicy{Type: chain.PolicyCount, Value: 1}); err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}
	result, err := a.ApplyRetention(subject, nil, false)
	if err != nil {
		t.Fatalf("ApplyRetention() error = %v", err)
	}
	if fmt.Sprint(result.DeletedIDs) != "[F2 F1]" {
		t.Errorf("DeletedIDs = %v, want [F2 F1]", result.DeletedIDs)
	}

	c, err := a.Chain(subject)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Backups) != 1 || c.Backups[0].ID != "F3" {
		t.Errorf("chain after retention holds %d backups", len(c.Backups))
	}
}

func TestApp_SQLiteChainStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChainStore.Type = "sqlite"
	a := newTestApp(t, cfg)
	defer a.Close()

	if _, err := a.AddBackup(subject, fullReq("F1", 1)); err != nil {
		t.Fatalf("AddBackup() error = %v", err)
	}
	if ok, _ := a.storage.Exists(chain.ChainPath(subject)); ok {
		t.Error("chain document written to storage with the sqlite chain store")
	}
	subjects, err := a.Subjects()
	if err != nil || len(subjects) != 1 {
		t.Errorf("Subjects() = %v, %v; want [vm-01]", subjects, err)
	}
}

func TestApp_Journal(t *testing.T) {
	t.Run("read-only command leaves no record", func(t *testing.T) {
		cfg := testConfig(t)
		migratedSQLite(t, cfg)

		a := newTestApp(t, cfg)
		if _, err := a.Chain(subject); err != nil {
			t.Fatal(err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if ops := journal(t, cfg); len(ops) != 0 {
			t.Errorf("journal has %d operations, want 0", len(ops))
		}
	})

	t.Run("mutations are finished on close", func(t *testing.T) {
		cfg := testConfig(t)
		migratedSQLite(t, cfg)

		ok := newTestApp(t, cfg)
		if _, err := ok.AddBackup(subject, fullReq("F1", 1)); err != nil {
			t.Fatal(err)
		}
		if err := ok.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		failed := newTestApp(t, cfg)
		failed.AddBackup(subject, incrReq("I1", "F9", 1))
		if err := failed.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		ops := journal(t, cfg)
		if len(ops) != 2 {
			t.Fatalf("journal has %d operations, want 2", len(ops))
		}
		if ops[0].Status != database.StatusError || ops[1].Status != database.StatusSuccess {
			t.Errorf("statuses = %q, %q; want error, success", ops[0].Status, ops[1].Status)
		}
		for _, op := range ops {
			if op.FinishedAt == nil {
				t.Errorf("operation %d not finished", op.ID)
			}
		}
	})
}

func TestApp_CreateManifestJournaled(t *testing.T) {
	cfg := testConfig(t)
	migratedSQLite(t, cfg)

	setup := newTestApp(t, cfg)
	testutil.WriteBackupFolder(t, setup.storage, subject, "F1", testutil.VMFiles("disk"))
	if _, err := setup.AddBackup(subject, fullReq("F1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := setup.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	a := newTestApp(t, cfg)
	m, err := a.CreateManifest(subject, "F1")
	if err != nil {
		t.Fatalf("CreateManifest() error = %v", err)
	}
	if m.Algorithm != chain.AlgorithmSHA256 {
		t.Errorf("manifest Algorithm = %s, want sha256", m.Algorithm)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	missing := newTestApp(t, cfg)
	if _, err := missing.CreateManifest(subject, "F9"); err == nil {
		t.Error("CreateManifest(F9) expected error")
	}
	if err := missing.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ops := journal(t, cfg)
	if len(ops) != 3 {
		t.Fatalf("journal has %d operations, want 3", len(ops))
	}
	if ops[1].Subject != subject || ops[1].Parameters != "F1" || ops[1].Status != database.StatusSuccess {
		t.Errorf("manifest operation = %+v, want a successful row for F1", ops[1])
	}
	if ops[0].Parameters != "F9" || ops[0].Status != database.StatusError {
		t.Errorf("failed manifest operation = %+v, want an error row for F9", ops[0])
	}
}

func TestApp_ChecksumsUseConfiguredAlgorithm(t *testing.T) {
	cfg := testConfig(t)
	cfg.Integrity.Algorithm = "md5"
	a := newTestApp(t, cfg)
	defer a.Close()

	testutil.WriteBackupFolder(t, a.storage, subject, "F1", testutil.VMFiles("disk"))
	if _, err := a.AddBackup(subject, fullReq("F1", 1)); err != nil {
		t.Fatal(err)
	}

	sums, err := a.Checksums(subject, "F1")
	if err != nil {
		t.Fatalf("Checksums() error = %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("Checksums() returned %d files, want 2", len(sums))
	}
	for name, c := range sums {
		if c.Algorithm != chain.AlgorithmMD5 {
			t.Errorf("%s Algorithm = %s, want md5", name, c.Algorithm)
		}
	}

	m, err := a.CreateManifest(subject, "F1")
	if err != nil {
		t.Fatalf("CreateManifest() error = %v", err)
	}
	if m.Algorithm != chain.AlgorithmSHA256 {
		t.Errorf("manifest Algorithm = %s, want sha256 regardless of config", m.Algorithm)
	}

	if _, err := a.Checksums(subject, "F9"); !errors.Is(err, chain.ErrBackupNotFound) {
		t.Errorf("Checksums(F9) error = %v, want ErrBackupNotFound", err)
	}
}

func TestApp_MetricsTextfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "chainvault.prom")
	a := newTestApp(t, cfg)

	if _, err := a.AddBackup(subject, fullReq("F1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(cfg.Metrics.TextfilePath)
	if err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
	for _, want := range []string{
		`chainvault_backups_added_total{host="host-1",subject="vm-01",type="full"} 1`,
		`chainvault_chain_size_bytes{host="host-1",subject="vm-01"} 1000`,
		`chainvault_operation_duration_seconds_count{host="host-1",operation="test",status="success"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}

func TestApp_Replica(t *testing.T) {
	cfg := testConfig(t)
	replicaRoot := filepath.Join(t.TempDir(), "replica")
	cfg.Replica = config.ReplicaConfig{
		Enabled: true,
		Encrypt: true,
		Storage: config.StorageConfig{Type: "filesystem", Name: "replica", FSRoot: replicaRoot},
	}

	a := newTestApp(t, cfg)
	if _, err := a.AddBackup(subject, fullReq("F1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	remote, err := storage.NewFileSystemStorage("replica", replicaRoot)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{
		"metadata/host-1/chains/vm-01/data.age",
		"metadata/host-1/chains/vm-01/version",
		"metadata/host-1/journal/data.age",
	} {
		if ok, _ := remote.Exists(p); !ok {
			t.Errorf("replica missing %s", p)
		}
	}
	version, err := remote.Read("metadata/host-1/journal/version")
	if err != nil || string(version) != "1" {
		t.Errorf("journal version = %q, %v; want 1", version, err)
	}

	// A fresh in-memory journal is behind the replica.
	_, err = NewAppWithOptions(context.Background(), cfg, "test", Options{Clock: testutil.FixedClock()})
	if err == nil || !strings.Contains(err.Error(), "local journal is behind replica") {
		t.Errorf("NewAppWithOptions() error = %v, want journal behind replica", err)
	}
}

func TestApp_PullChain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replica = config.ReplicaConfig{
		Enabled: true,
		Storage: config.StorageConfig{Type: "memory", Name: "replica"},
	}
	a := newTestApp(t, cfg)
	defer a.Close()

	if _, err := a.AddBackup(subject, fullReq("F1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.pushReplica(); err != nil {
		t.Fatalf("pushReplica() error = %v", err)
	}
	if _, err := a.RemoveBackup(subject, "F1"); err != nil {
		t.Fatal(err)
	}

	pulled, err := a.PullChain(subject, "")
	if err != nil {
		t.Fatalf("PullChain() error = %v", err)
	}
	if len(pulled.Backups) != 1 {
		t.Errorf("pulled chain has %d backups, want 1", len(pulled.Backups))
	}
	c, _ := a.Chain(subject)
	if _, i := c.Find("F1"); i < 0 {
		t.Error("F1 not restored into the local chain")
	}
	if c.Version != 3 {
		t.Errorf("local version = %d, want 3 (add, remove, pull)", c.Version)
	}
}

func TestApp_PullChainWithoutReplica(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	defer a.Close()
	if _, err := a.PullChain(subject, ""); !errors.Is(err, ErrReplicaDisabled) {
		t.Errorf("PullChain() error = %v, want ErrReplicaDisabled", err)
	}
}

func TestApp_EncryptedReplicaNeedsKeys(t *testing.T) {
	cfg := testConfig(t)
	keys := t.TempDir()
	cfg.Encryption = config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(keys, "chainvault.pub"),
		PrivateKeyPath: filepath.Join(keys, "chainvault.key"),
	}
	cfg.Replica = config.ReplicaConfig{
		Enabled: true,
		Encrypt: true,
		Storage: config.StorageConfig{Type: "memory", Name: "replica"},
	}

	_, err := NewAppWithOptions(context.Background(), cfg, "test", Options{Clock: testutil.FixedClock()})
	if err == nil || !strings.Contains(err.Error(), "encryption setup") {
		t.Fatalf("NewAppWithOptions() error = %v, want a hint to run encryption setup", err)
	}

	if err := SetupEncryption(cfg, "pw"); err != nil {
		t.Fatalf("SetupEncryption() error = %v", err)
	}
	a := newTestApp(t, cfg)
	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
