package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vpnward/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the terminal dashboard",
	Long: `Launch the full-screen dashboard showing client traffic, scheduled
revocations and host metrics. Data refreshes every few seconds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tui.NewProgram(tui.Deps{
			Query:     appInstance.Query,
			Canceller: appInstance.Scheduler,
		})
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
