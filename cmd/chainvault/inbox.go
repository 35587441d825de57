package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainvault/internal/app"
)

// inbox command
var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Queue and process backup-completion events",
}

var inboxPushCmd = &cobra.Command{
	Use:   "push SUBJECT",
	Short: "Queue a completed backup for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := backupRequest(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, "inbox push", func(a *app.App) error {
			ev, err := a.PushEvent(args[0], req)
			if err != nil {
				return err
			}
			fmt.Printf("Queued event %s for %s/%s\n", ev.ID, ev.Subject, ev.Backup.BackupID)
			return nil
		})
	},
}

var inboxProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Record every queued event in arrival order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "inbox process", func(a *app.App) error {
			report, err := a.DrainInbox()
			if report != nil {
				for _, r := range report.Processed {
					printBackupReport(r)
				}
				for _, reason := range report.Rejected {
					fmt.Printf("Rejected: %s\n", reason)
				}
				fmt.Printf("Processed %d, rejected %d, remaining %d\n",
					len(report.Processed), len(report.Rejected), report.Remaining)
			}
			return err
		})
	},
}

var inboxRejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "List events that could not be recorded",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "inbox rejected", func(a *app.App) error {
			rejected, err := a.RejectedEvents()
			if err != nil {
				return err
			}
			if len(rejected) == 0 {
				fmt.Println("No rejected events.")
			}
			for _, r := range rejected {
				fmt.Printf("%s  %s/%s  %s\n", r.Event.ID, r.Event.Subject, r.Event.Backup.BackupID, r.Reason)
			}
			return nil
		})
	},
}

func init() {
	addBackupFlags(inboxPushCmd)
	inboxCmd.AddCommand(inboxPushCmd, inboxProcessCmd, inboxRejectedCmd)
	rootCmd.AddCommand(inboxCmd)
}
