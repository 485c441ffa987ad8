package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vpnward/internal/engine"
)

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Show client traffic",
}

var trafficSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Per-client traffic totals, largest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := appInstance.Query.Summary(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get summary: %w", err)
		}
		if len(summary) == 0 {
			fmt.Println("No traffic recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CLIENT\tONLINE\tSENT\tRECEIVED\tTOTAL\tSESSIONS\tTIME\tLAST SEEN")
		fmt.Fprintln(w, "------\t------\t----\t--------\t-----\t--------\t----\t---------")
		var total int64
		for _, s := range summary {
			online := "✗"
			if s.IsOnline {
				online = "✓ " + formatSeconds(s.CurrentSessionDuration)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				s.Identity, online, formatBytes(s.TotalSent), formatBytes(s.TotalReceived),
				formatBytes(s.TotalBytes), s.SessionCount, formatSeconds(s.TotalDurationSeconds),
				formatTime(s.LastActivity))
			total += s.TotalBytes
		}
		w.Flush()

		fmt.Printf("\nTotal: %d clients, %s\n", len(summary), formatBytes(total))
		return nil
	},
}

var trafficHistoryCmd = &cobra.Command{
	Use:               "history <name>",
	Short:             "Sessions of one client",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeIdentities,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		h, err := appInstance.Query.History(context.Background(), args[0], days)
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}
		if len(h.Sessions) == 0 {
			fmt.Printf("No sessions for %s in the last %d days.\n", h.Identity, h.Days)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "START\tEND\tDURATION\tSENT\tRECEIVED\tADDRESS")
		fmt.Fprintln(w, "-----\t---\t--------\t----\t--------\t-------")
		for _, s := range h.Sessions {
			end := "open"
			if s.SessionEnd != nil {
				end = formatTime(s.SessionEnd)
			}
			addr := s.RealAddress
			if addr == "" {
				addr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				formatTime(&s.SessionStart), end, formatSeconds(s.DurationSeconds),
				formatBytes(s.BytesSent), formatBytes(s.BytesReceived), addr)
		}
		w.Flush()

		fmt.Printf("\n%d sessions in %d days: sent %s, received %s, online %s\n",
			len(h.Sessions), h.Days, formatBytes(h.TotalSent), formatBytes(h.TotalReceived),
			formatSeconds(h.TotalDurationSeconds))
		return nil
	},
}

func init() {
	trafficHistoryCmd.Flags().IntP("days", "d", engine.DefaultHistoryDays, "history window in days")

	trafficCmd.AddCommand(trafficSummaryCmd)
	trafficCmd.AddCommand(trafficHistoryCmd)
	rootCmd.AddCommand(trafficCmd)
}
