package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"chainvault/internal/app"
	"chainvault/internal/config"
	"chainvault/internal/database"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config from the default location.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation names the CLI command being run (e.g. "chain add", "sweep").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(cmd.Context(), cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// withApp runs fn against a fresh App and reports a Close failure unless fn
// already failed.
func withApp(cmd *cobra.Command, operation string, fn func(a *app.App) error) error {
	a, err := newApp(cmd, operation)
	if err != nil {
		return err
	}
	runErr := fn(a)
	closeErr := a.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04"), humanize.Time(*t))
}

// readPassphrase prompts on the terminal without echo, or reads one line when
// stdin is not a terminal.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

var rootCmd = &cobra.Command{
	Use:           "chainvault",
	Short:         "Backup chain manager for VM backups",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Host ID:  %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		fmt.Println("Run 'chainvault db migrate' before first use.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Host ID:      %s\n", cfg.HostID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Storage:      %s\n", cfg.Storage.Type)
		fmt.Printf("Chain Store:  %s\n", cfg.ChainStore.Type)
		fmt.Printf("Database:     %s\n", cfg.Database.Type)
		fmt.Printf("Inbox:        %s\n", cfg.Inbox.Type)
		fmt.Printf("Retention:    %s=%d keep_monthly=%t keep_weekly=%t\n",
			cfg.Retention.Type, cfg.Retention.Value, cfg.Retention.KeepMonthly, cfg.Retention.KeepWeekly)
		fmt.Printf("Replica:      enabled=%t encrypt=%t\n", cfg.Replica.Enabled, cfg.Replica.Encrypt)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the operation journal",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			return err
		}
		fmt.Printf("Database migrated: %s\n", db.Path())
		return nil
	},
}

// encryption command
var encryptionCmd = &cobra.Command{
	Use:   "encryption",
	Short: "Manage replica encryption keys",
}

var encryptionSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate the replica key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pw, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			again, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if again != pw {
				return fmt.Errorf("passphrases do not match")
			}
		}
		if err := app.SetupEncryption(cfg, pw); err != nil {
			return err
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// subjects command
var subjectsCmd = &cobra.Command{
	Use:   "subjects",
	Short: "List subjects with a chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "subjects", func(a *app.App) error {
			subjects, err := a.Subjects()
			if err != nil {
				return err
			}
			if len(subjects) == 0 {
				fmt.Println("No chains found.")
			}
			for _, s := range subjects {
				fmt.Println(s)
			}
			return nil
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, "history", func(a *app.App) error {
			ops, err := a.History(limit)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("No operations recorded.")
				return nil
			}

			for _, op := range ops {
				duration := ""
				if op.FinishedAt != nil {
					duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
				}
				fmt.Printf("#%d  %-16s  %-12s  %s  %-8s  %s\n",
					op.ID,
					op.Operation,
					op.Subject,
					op.StartedAt.Local().Format("2006-01-02 15:04:05"),
					op.Status,
					duration,
				)
			}
			return nil
		})
	},
}

// replica command
var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Work with the metadata replica",
}

var replicaPullCmd = &cobra.Command{
	Use:   "pull SUBJECT",
	Short: "Restore a chain document from the replica",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "replica pull", func(a *app.App) error {
			var pw string
			if a.Config().Replica.Encrypt {
				var err error
				if pw, err = readPassphrase("Passphrase: "); err != nil {
					return err
				}
			}
			c, err := a.PullChain(args[0], pw)
			if err != nil {
				return err
			}
			fmt.Printf("Restored chain %s with %d backup(s)\n", c.SubjectID, len(c.Backups))
			return nil
		})
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configListCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	encryptionCmd.AddCommand(encryptionSetupCmd)
	replicaCmd.AddCommand(replicaPullCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	rootCmd.AddCommand(configCmd, dbCmd, encryptionCmd, subjectsCmd, historyCmd, replicaCmd)
}
