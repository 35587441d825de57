package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chainvault/internal/app"
	"chainvault/internal/chain"
)

// addBackupFlags registers the flags that describe a completed backup.
func addBackupFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("id", "", "Backup ID (folder name under the subject)")
	f.String("type", string(chain.TypeFull), "Backup type: full or incremental")
	f.String("mode", "", "Backup mode: full-snapshot or block-diff (default derived from --type)")
	f.String("timestamp", "", "Completion time in RFC 3339 (default now)")
	f.Int64("size", 0, "Backup size in bytes")
	f.String("base", "", "Base backup ID for incrementals")
	f.String("change-token", "", "Change tracking token reported by the hypervisor")
	f.Int64("changed-blocks", 0, "Number of changed blocks in an incremental")
	f.StringSlice("file", nil, "File in the backup folder (repeatable)")
	f.String("from-json", "", "Read the request from a JSON file ('-' for stdin) instead of flags")
}

// backupRequest builds an AddBackupRequest from the flags registered by addBackupFlags.
func backupRequest(cmd *cobra.Command) (chain.AddBackupRequest, error) {
	var req chain.AddBackupRequest
	f := cmd.Flags()

	if path, _ := f.GetString("from-json"); path != "" {
		in := os.Stdin
		if path != "-" {
			file, err := os.Open(path)
			if err != nil {
				return req, fmt.Errorf("opening request: %w", err)
			}
			defer file.Close()
			in = file
		}
		if err := json.NewDecoder(in).Decode(&req); err != nil {
			return req, fmt.Errorf("decoding request: %w", err)
		}
		return req, nil
	}

	req.BackupID, _ = f.GetString("id")
	backupType, _ := f.GetString("type")
	req.Type = chain.BackupType(backupType)
	mode, _ := f.GetString("mode")
	req.Mode = chain.Mode(mode)
	if req.Mode == "" {
		req.Mode = chain.ModeFullSnapshot
		if req.Type == chain.TypeIncremental {
			req.Mode = chain.ModeBlockDiff
		}
	}
	req.SizeBytes, _ = f.GetInt64("size")
	req.BaseBackupID, _ = f.GetString("base")
	req.ChangeToken, _ = f.GetString("change-token")
	req.ChangedBlockCount, _ = f.GetInt64("changed-blocks")
	req.Files, _ = f.GetStringSlice("file")

	ts, _ := f.GetString("timestamp")
	if ts == "" {
		req.Timestamp = time.Now().UTC()
	} else {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return req, fmt.Errorf("invalid --timestamp: %w", err)
		}
		req.Timestamp = t
	}
	return req, nil
}

func printErrorsAndWarnings(errs, warnings []string) {
	for _, e := range errs {
		fmt.Printf("  error:   %s\n", e)
	}
	for _, w := range warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

func printBackupReport(r *app.BackupReport) {
	fmt.Printf("Recorded %s/%s\n", r.Subject, r.BackupID)
	if r.Manifest != nil {
		fmt.Printf("  manifest: %d files, %s\n", r.Manifest.FileCount, humanize.Bytes(uint64(r.Manifest.TotalSizeBytes)))
	}
	if r.Verification != nil {
		fmt.Printf("  verified: %t (%s)\n", r.Verification.Valid, r.Verification.Mode)
	}
	if r.Retention != nil && r.Retention.DeletedCount > 0 {
		fmt.Printf("  retention deleted: %s\n", strings.Join(r.Retention.DeletedIDs, ", "))
	}
	for _, e := range r.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

// chain command
var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect and change backup chains",
}

var chainAddCmd = &cobra.Command{
	Use:   "add SUBJECT",
	Short: "Record a completed backup",
	Long: "Record a completed backup in the subject's chain. By default the backup\n" +
		"is also checksummed, verified and retention is applied; use --chain-only\n" +
		"to update the chain document alone.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := backupRequest(cmd)
		if err != nil {
			return err
		}
		chainOnly, _ := cmd.Flags().GetBool("chain-only")

		return withApp(cmd, "chain add", func(a *app.App) error {
			if chainOnly {
				c, err := a.AddBackup(args[0], req)
				if err != nil {
					return err
				}
				fmt.Printf("Added %s to %s (%d backups)\n", req.BackupID, c.SubjectID, len(c.Backups))
				return nil
			}
			report, err := a.RecordBackup(args[0], req)
			if err != nil {
				return err
			}
			printBackupReport(report)
			return nil
		})
	},
}

var chainShowCmd = &cobra.Command{
	Use:   "show SUBJECT",
	Short: "Print the chain document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "chain show", func(a *app.App) error {
			c, err := a.Chain(args[0])
			if err != nil {
				return err
			}
			data, err := chain.EncodeChain(c)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		})
	},
}

var chainStatsCmd = &cobra.Command{
	Use:   "stats SUBJECT",
	Short: "Show chain statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "chain stats", func(a *app.App) error {
			s, err := a.Statistics(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Subject:      %s\n", s.Subject)
			fmt.Printf("Backups:      %d (%d full, %d incremental)\n", s.TotalBackups, s.FullBackups, s.IncrementalBackups)
			fmt.Printf("Total size:   %s\n", humanize.Bytes(uint64(s.TotalSizeBytes)))
			fmt.Printf("Oldest:       %s\n", formatTime(s.OldestBackup))
			fmt.Printf("Newest:       %s\n", formatTime(s.NewestBackup))
			fmt.Printf("Last full:    %s\n", formatTime(s.LastFullBackup))
			return nil
		})
	},
}

var chainRestoreCmd = &cobra.Command{
	Use:   "restore SUBJECT BACKUP_ID",
	Short: "List the backups needed to restore BACKUP_ID, in apply order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "chain restore", func(a *app.App) error {
			entries, err := a.RestoreChain(args[0], args[1])
			if err != nil {
				return err
			}
			for i, e := range entries {
				fmt.Printf("%d. %-24s %-11s %s  %s\n", i+1, e.ID, e.Type,
					e.Timestamp.Local().Format("2006-01-02 15:04"), humanize.Bytes(uint64(e.SizeBytes)))
			}
			return nil
		})
	},
}

var chainValidateRestoreCmd = &cobra.Command{
	Use:   "validate-restore SUBJECT BACKUP_ID",
	Short: "Check that every backup needed for a restore is present",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "chain validate-restore", func(a *app.App) error {
			v, err := a.ValidateRestore(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Restore of %s: valid=%t, chain=[%s], %.2f GB\n",
				v.BackupID, v.Valid, strings.Join(v.RestoreChain, " "), v.TotalSizeGB)
			printErrorsAndWarnings(v.Errors, v.Warnings)
			if !v.Valid {
				return fmt.Errorf("restore of %s is not possible", v.BackupID)
			}
			return nil
		})
	},
}

var chainValidateCmd = &cobra.Command{
	Use:   "validate SUBJECT",
	Short: "Validate the chain's dependency structure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "chain validate", func(a *app.App) error {
			r, err := a.ValidateChain(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Chain %s: valid=%t\n", args[0], r.Valid)
			printErrorsAndWarnings(r.Errors, r.Warnings)
			if !r.Valid {
				return fmt.Errorf("chain %s has %d error(s)", args[0], len(r.Errors))
			}
			return nil
		})
	},
}

var chainRemoveCmd = &cobra.Command{
	Use:   "remove SUBJECT BACKUP_ID",
	Short: "Remove a backup from the chain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "chain remove", func(a *app.App) error {
			removed, err := a.RemoveBackup(args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Printf("Backup %s not found in %s\n", args[1], args[0])
				return nil
			}
			fmt.Printf("Removed %s from %s\n", args[1], args[0])
			return nil
		})
	},
}

// manifest command
var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manage checksum manifests",
}

var manifestCreateCmd = &cobra.Command{
	Use:   "create SUBJECT BACKUP_ID",
	Short: "Checksum a backup folder and write its manifest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "manifest create", func(a *app.App) error {
			m, err := a.CreateManifest(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Manifest for %s: %d files, %s (%s)\n",
				m.BackupID, m.FileCount, humanize.Bytes(uint64(m.TotalSizeBytes)), m.Algorithm)
			return nil
		})
	},
}

var manifestChecksumsCmd = &cobra.Command{
	Use:   "checksums SUBJECT BACKUP_ID",
	Short: "Print checksums of a backup folder with the configured algorithm",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "manifest checksums", func(a *app.App) error {
			sums, err := a.Checksums(args[0], args[1])
			if err != nil {
				return err
			}
			names := make([]string, 0, len(sums))
			for name := range sums {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				c := sums[name]
				if c.Error != "" {
					fmt.Printf("%-8s %s  error: %s\n", c.Algorithm, name, c.Error)
					continue
				}
				fmt.Printf("%-8s %s  %s  %s\n", c.Algorithm, c.Checksum, humanize.Bytes(uint64(c.Size)), name)
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify SUBJECT [BACKUP_ID]",
	Short: "Verify backup folders against their manifests",
	Long:  "Verify one backup, or every backup in the chain when BACKUP_ID is omitted.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "verify", func(a *app.App) error {
			if len(args) == 2 {
				r, err := a.Verify(args[0], args[1])
				if err != nil {
					return err
				}
				printVerification(r)
				if !r.Valid {
					return fmt.Errorf("backup %s failed verification", r.BackupID)
				}
				return nil
			}

			s, err := a.VerifyAll(args[0])
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(s.Results))
			for id := range s.Results {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				printVerification(s.Results[id])
			}
			fmt.Printf("%s: %d backups, %d valid, %d invalid\n", s.Subject, s.TotalBackups, s.ValidCount, s.InvalidCount)
			if s.InvalidCount > 0 {
				return fmt.Errorf("%d backup(s) failed verification", s.InvalidCount)
			}
			return nil
		})
	},
}

func printVerification(r *chain.VerificationResult) {
	fmt.Printf("%s: valid=%t mode=%s files=%d/%d\n", r.BackupID, r.Valid, r.Mode, r.VerifiedFiles, r.TotalFiles)
	for _, f := range r.MissingFiles {
		fmt.Printf("  missing:   %s\n", f)
	}
	for _, f := range r.CorruptedFiles {
		fmt.Printf("  corrupted: %s\n", f)
	}
	printErrorsAndWarnings(r.Errors, r.Warnings)
}

func init() {
	addBackupFlags(chainAddCmd)
	chainAddCmd.Flags().Bool("chain-only", false, "Only update the chain document")

	chainCmd.AddCommand(chainAddCmd, chainShowCmd, chainStatsCmd, chainRestoreCmd,
		chainValidateRestoreCmd, chainValidateCmd, chainRemoveCmd)
	manifestCmd.AddCommand(manifestCreateCmd, manifestChecksumsCmd)
	rootCmd.AddCommand(chainCmd, manifestCmd, verifyCmd)
}
