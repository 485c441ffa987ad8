package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish>",
	Short: "Generate shell completion script",
	Long: `Generate a shell completion script for vpnward.

Bash:
  $ vpnward completion bash > /etc/bash_completion.d/vpnward

Zsh:
  $ vpnward completion zsh > "${fpath[1]}/_vpnward"

Fish:
  $ vpnward completion fish > ~/.config/fish/completions/vpnward.fish

Client names are completed from recorded traffic and pending schedules.`,
	DisableFlagsInUseLine: true,
	PersistentPreRunE:     skipApp,
	ValidArgs:             []string{"bash", "zsh", "fish"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		}
		return fmt.Errorf("unsupported shell: %s", args[0])
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
