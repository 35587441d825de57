package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chainvault/internal/app"
	"chainvault/internal/chain"
)

func addPolicyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("policy", "", "Policy type: age-days or count")
	f.Int("value", 0, "Days to keep (age-days) or backups to keep (count)")
	f.Bool("keep-monthly", false, "Keep the first backup of every month")
	f.Bool("keep-weekly", false, "Keep the first backup of every ISO week")
}

// policyFromFlags returns nil when --policy is not set.
func policyFromFlags(cmd *cobra.Command) (*chain.RetentionPolicy, error) {
	f := cmd.Flags()
	policyType, _ := f.GetString("policy")
	if policyType == "" {
		return nil, nil
	}
	p := &chain.RetentionPolicy{Type: chain.PolicyType(policyType)}
	p.Value, _ = f.GetInt("value")
	p.KeepMonthly, _ = f.GetBool("keep-monthly")
	p.KeepWeekly, _ = f.GetBool("keep-weekly")
	if err := chain.ValidatePolicy(*p); err != nil {
		return nil, err
	}
	return p, nil
}

func printPreserved(preserved []chain.PreservedBackup) {
	for _, p := range preserved {
		fmt.Printf("  kept %s: %s\n", p.BackupID, p.Reason)
	}
}

// retention command
var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply and manage retention policies",
}

var retentionApplyCmd = &cobra.Command{
	Use:   "apply SUBJECT",
	Short: "Delete backups the retention policy no longer keeps",
	Long:  "Apply the chain's retention policy, or the one given with --policy for this run only.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := policyFromFlags(cmd)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return withApp(cmd, "retention apply", func(a *app.App) error {
			r, err := a.ApplyRetention(args[0], policy, dryRun)
			if err != nil {
				return err
			}
			verb := "Deleted"
			if r.DryRun {
				verb = "Would delete"
			}
			fmt.Printf("%s %d backup(s) from %s, keeping %d, freeing %s (%s)\n",
				verb, r.DeletedCount, r.Subject, r.KeptCount, humanize.Bytes(uint64(r.FreedBytes)), r.Policy)
			if len(r.DeletedIDs) > 0 {
				fmt.Printf("  %s\n", strings.Join(r.DeletedIDs, ", "))
			}
			printPreserved(r.Preserved)
			for _, e := range r.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			return nil
		})
	},
}

var retentionPreviewCmd = &cobra.Command{
	Use:   "preview SUBJECT",
	Short: "Show what a retention policy would delete, by default the chain's own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := policyFromFlags(cmd)
		if err != nil {
			return err
		}

		return withApp(cmd, "retention preview", func(a *app.App) error {
			p, err := a.PreviewRetention(args[0], policy)
			if err != nil {
				return err
			}
			fmt.Printf("Policy:  %s\n", p.Policy)
			fmt.Printf("Backups: %d, delete %d, keep %d, frees %.2f GB\n", p.CurrentCount, p.WillDelete, p.WillKeep, p.FreedGB)
			if len(p.BackupsToDelete) > 0 {
				fmt.Printf("  %s\n", strings.Join(p.BackupsToDelete, ", "))
			}
			printPreserved(p.Preserved)
			return nil
		})
	},
}

var retentionSetPolicyCmd = &cobra.Command{
	Use:   "set-policy SUBJECT",
	Short: "Replace the chain's retention policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := policyFromFlags(cmd)
		if err != nil {
			return err
		}
		if policy == nil {
			return fmt.Errorf("--policy is required")
		}

		return withApp(cmd, "retention set-policy", func(a *app.App) error {
			if err := a.SetPolicy(args[0], *policy); err != nil {
				return err
			}
			fmt.Printf("Policy for %s set to %s\n", args[0], policy)
			return nil
		})
	},
}

func init() {
	addPolicyFlags(retentionApplyCmd)
	retentionApplyCmd.Flags().Bool("dry-run", false, "Report without deleting")
	addPolicyFlags(retentionPreviewCmd)
	addPolicyFlags(retentionSetPolicyCmd)

	retentionCmd.AddCommand(retentionApplyCmd, retentionPreviewCmd, retentionSetPolicyCmd)
	rootCmd.AddCommand(retentionCmd)
}
