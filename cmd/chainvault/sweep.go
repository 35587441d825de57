package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chainvault/internal/app"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run retention, verification and validation across all subjects",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withApp(cmd, "sweep", func(a *app.App) error {
			report, err := a.Sweep(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(report)
			}

			for _, s := range report.Subjects {
				if s.Err != "" {
					fmt.Printf("%-20s FAILED: %s\n", s.Subject, s.Err)
					continue
				}
				deleted, freed := 0, int64(0)
				if s.Retention != nil {
					deleted, freed = s.Retention.DeletedCount, s.Retention.FreedBytes
				}
				invalid := 0
				if s.Verification != nil {
					invalid = s.Verification.InvalidCount
				}
				fmt.Printf("%-20s deleted=%d freed=%s invalid=%d broken=%d\n",
					s.Subject, deleted, humanize.Bytes(uint64(freed)), invalid, s.BrokenChains)
			}
			fmt.Printf("\nHealth score: %d (broken chains %d, invalid backups %d, failed subjects %d)\n",
				report.HealthScore, report.BrokenChains, report.InvalidBackups, report.FailedSubjects)
			return nil
		})
	},
}

func init() {
	sweepCmd.Flags().Bool("dry-run", false, "Report retention without deleting")
	sweepCmd.Flags().Bool("json", false, "Print the report as JSON")
	rootCmd.AddCommand(sweepCmd)
}
