package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vpnward/internal/config"
	"vpnward/internal/paths"
)

var configCmd = &cobra.Command{
	Use:               "config",
	Short:             "Inspect and initialise configuration",
	PersistentPreRunE: skipApp,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write config.toml with the current settings",
	Long: `Write the resolved settings (defaults, environment and flags) to
config.toml in the config directory, or to --config when given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		// A --config target that does not exist yet is the file to create.
		path := v.GetString("config")
		if path != "" {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				v.Set("config", "")
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if path == "" {
			dir, err := paths.ConfigDir()
			if err != nil {
				return fmt.Errorf("failed to resolve config directory: %w", err)
			}
			path = config.FilePath(dir)
		}

		if err := config.Write(path, cfg, force); err != nil {
			return err
		}
		if err := paths.ChownToRealUser(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to chown %s: %v\n", path, err)
		}
		fmt.Printf("Config written: %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		rows := [][2]string{
			{config.KeyDBPath, cfg.DBPath},
			{config.KeyStatusFile, orDash(cfg.StatusFile)},
			{config.KeyEasyRSADir, cfg.EasyRSADir},
			{config.KeyCRLPath, cfg.CRLPath},
			{config.KeyClientDir, cfg.ClientDir},
			{config.KeyManagementAddr, orDash(cfg.ManagementAddr)},
			{config.KeyPIDFile, cfg.PIDFile},
			{config.KeyTickInterval, cfg.TickInterval.String()},
			{config.KeyErrorBackoff, cfg.ErrorBackoff.String()},
			{config.KeyMetricsEvery, fmt.Sprint(cfg.MetricsEvery)},
			{config.KeySweepEvery, fmt.Sprint(cfg.SweepEvery)},
			{config.KeyMinSession, cfg.MinSession.String()},
			{config.KeyToolTimeout, cfg.ToolTimeout.String()},
			{config.KeySourceTimeout, cfg.SourceTimeout.String()},
			{config.KeyRevokeWorkers, fmt.Sprint(cfg.RevokeWorkers)},
			{config.KeyAPIListen, orDash(cfg.APIListen)},
			{config.KeyMetricsRetention, cfg.MetricsRetention.String()},
			{config.KeyLogLevel, cfg.LogLevel},
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\n", r[0], r[1])
		}
		w.Flush()
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
