package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vpnward/internal/clients"
	"vpnward/internal/expiry"
	"vpnward/internal/pki"
)

var expiryCmd = &cobra.Command{
	Use:   "expiry",
	Short: "Manage scheduled revocations",
	Long:  "Schedule, cancel, inspect and sweep automatic revocations of ephemeral credentials",
}

var expiryScheduleCmd = &cobra.Command{
	Use:               "schedule <name>",
	Short:             "Schedule a revocation N hours from now",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeIdentities,
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		if hours < 1 || hours > clients.MaxEphemeralHours {
			return fmt.Errorf("--hours must be between 1 and %d", clients.MaxEphemeralHours)
		}
		identity, err := pki.SanitizeIdentity(args[0])
		if err != nil {
			return err
		}

		row, err := appInstance.Scheduler.Schedule(context.Background(), identity, hours)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", identity, err)
		}
		fmt.Printf("Revocation scheduled for %s at %s\n", row.Identity, formatTime(&row.RevokeAt))
		return nil
	},
}

var expiryCancelCmd = &cobra.Command{
	Use:               "cancel <name>",
	Short:             "Cancel a pending revocation",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeIdentities,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := pki.SanitizeIdentity(args[0])
		if err != nil {
			return err
		}
		if err := appInstance.Scheduler.Cancel(context.Background(), identity); err != nil {
			return fmt.Errorf("failed to cancel %s: %w", identity, err)
		}
		fmt.Printf("Revocation cancelled: %s\n", identity)
		return nil
	},
}

var expiryStatusCmd = &cobra.Command{
	Use:               "status [name]",
	Short:             "Show scheduled revocations",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeIdentities,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		var list []*expiry.Status
		if len(args) == 1 {
			st, err := appInstance.Query.Schedule(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get schedule: %w", err)
			}
			list = append(list, st)
		} else {
			var err error
			list, err = appInstance.Query.Schedules(ctx)
			if err != nil {
				return fmt.Errorf("failed to get schedules: %w", err)
			}
		}

		if len(list) == 0 {
			fmt.Println("No scheduled revocations.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT\tSTATUS\tHOURS\tREVOKE AT\tTIME LEFT")
		fmt.Fprintln(w, "------\t------\t-----\t---------\t---------")
		for _, st := range list {
			left := "-"
			switch {
			case st.Due:
				left = "due"
			case st.TimeLeft > 0:
				left = formatDuration(st.TimeLeft)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				st.Schedule.Identity, st.Schedule.Status, st.Schedule.Hours,
				formatTime(&st.Schedule.RevokeAt), left)
		}
		w.Flush()
		return nil
	},
}

var expirySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Revoke every schedule that is already due",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, err := appInstance.Scheduler.Sweep(context.Background())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		if len(batch.Revoked) == 0 {
			fmt.Println("Nothing due.")
			return nil
		}

		failed := 0
		for _, r := range batch.Revoked {
			switch {
			case r.Err != nil:
				failed++
				fmt.Printf("  ✗ %s: %v\n", r.Identity, r.Err)
			case r.Executed:
				fmt.Printf("  ✓ %s revoked\n", r.Identity)
			default:
				fmt.Printf("  - %s skipped (%s)\n", r.Identity, r.Status)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d revocation(s) failed", failed)
		}
		return nil
	},
}

func init() {
	expiryScheduleCmd.Flags().Int("hours", 0, "hours until revocation (1-720)")
	expiryScheduleCmd.MarkFlagRequired("hours")

	expiryCmd.AddCommand(expiryScheduleCmd)
	expiryCmd.AddCommand(expiryCancelCmd)
	expiryCmd.AddCommand(expiryStatusCmd)
	expiryCmd.AddCommand(expirySweepCmd)
	rootCmd.AddCommand(expiryCmd)
}
