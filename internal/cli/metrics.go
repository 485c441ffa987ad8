package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show recent host metrics samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		samples, err := appInstance.Query.Metrics(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("failed to get metrics: %w", err)
		}
		if len(samples) == 0 {
			fmt.Println("No metrics recorded. Samples are taken while 'vpnward serve' runs.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tCPU\tMEM\tMEM FREE\tDISK\tNET OUT\tNET IN\tCLIENTS")
		fmt.Fprintln(w, "----\t---\t---\t--------\t----\t-------\t------\t-------")
		for _, m := range samples {
			fmt.Fprintf(w, "%s\t%.1f%%\t%.1f%%\t%s\t%.1f%%\t%s\t%s\t%d\n",
				m.SampledAt.Local().Format("01-02 15:04:05"), m.CPUPercent, m.MemoryPercent,
				formatBytes(int64(m.MemoryAvailable)), m.DiskPercent,
				formatBytes(int64(m.NetworkSent)), formatBytes(int64(m.NetworkReceived)),
				m.ActiveConnections)
		}
		w.Flush()
		return nil
	},
}

func init() {
	metricsCmd.Flags().IntP("limit", "n", 20, "number of samples")
	rootCmd.AddCommand(metricsCmd)
}
