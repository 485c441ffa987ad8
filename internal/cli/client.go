package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vpnward/internal/clients"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage client credentials",
	Long:  "Issue, renew, restore and revoke OpenVPN client credentials",
}

func clientFlow(verb string, flow func(ctx context.Context, name, expiry string) (*clients.Result, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		expiry, _ := cmd.Flags().GetString("expiry")
		result, err := flow(context.Background(), args[0], expiry)
		if err != nil {
			return fmt.Errorf("failed to %s %s: %w", verb, args[0], err)
		}
		printResult(result)
		return nil
	}
}

func printResult(r *clients.Result) {
	fmt.Printf("Client:   %s\n", r.Identity)
	if r.Expiry != "" {
		fmt.Printf("Expiry:   %s\n", r.Expiry)
	}
	if r.ProfilePath != "" {
		fmt.Printf("Profile:  %s\n", r.ProfilePath)
	}
	if r.Cancelled {
		fmt.Println("Pending revocation cancelled.")
	}
	if r.Schedule != nil {
		fmt.Printf("Revokes:  %s (in %dh)\n", r.Schedule.RevokeAt.Local().Format(time.RFC3339), r.Schedule.Hours)
		fmt.Println("\nThe revocation fires while 'vpnward serve' is running.")
	}
}

var clientIssueCmd = &cobra.Command{
	Use:   "issue <name>",
	Short: "Issue a new client credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientFlow("issue", appInstance.Clients.Issue)(cmd, args)
	},
}

var clientRenewCmd = &cobra.Command{
	Use:               "renew <name>",
	Short:             "Revoke and reissue a client credential",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeIdentities,
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientFlow("renew", appInstance.Clients.Renew)(cmd, args)
	},
}

var clientRestoreCmd = &cobra.Command{
	Use:               "restore <name>",
	Short:             "Issue a fresh credential for a revoked client",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeIdentities,
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientFlow("restore", appInstance.Clients.Restore)(cmd, args)
	},
}

var clientRevokeCmd = &cobra.Command{
	Use:               "revoke <name>",
	Short:             "Revoke a client credential and drop its connection",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeIdentities,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Printf("Revoke client '%s'? [y/N]: ", args[0])
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		result, err := appInstance.Clients.Revoke(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to revoke %s: %w", args[0], err)
		}
		fmt.Printf("Client revoked: %s\n", result.Identity)
		if result.Cancelled {
			fmt.Println("Pending revocation cancelled.")
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{clientIssueCmd, clientRenewCmd, clientRestoreCmd} {
		c.Flags().StringP("expiry", "e", "", "days (e.g. 3650) or auto_<N>h for an ephemeral credential")
		c.RegisterFlagCompletionFunc("expiry", completeExpiry)
	}
	clientRevokeCmd.Flags().BoolP("force", "f", false, "skip confirmation")

	clientCmd.AddCommand(clientIssueCmd)
	clientCmd.AddCommand(clientRenewCmd)
	clientCmd.AddCommand(clientRestoreCmd)
	clientCmd.AddCommand(clientRevokeCmd)
	rootCmd.AddCommand(clientCmd)
}
