package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vpnward/internal/app"
	"vpnward/internal/config"
	"vpnward/internal/paths"
)

var (
	appInstance *app.App
	appConfig   *config.Config
	v           = viper.New()
	version     = "dev"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vpnward",
	Short: "vpnward - OpenVPN session accounting and ephemeral credentials",
	Long: `vpnward - OpenVPN session accounting and ephemeral credentials

  Tracks every client session from the OpenVPN status file, keeps per-client
  traffic totals in SQLite and revokes short-lived credentials on schedule.

  Quick start:
    vpnward config init
    vpnward client issue guest --expiry auto_2h
    vpnward serve
    vpnward traffic summary

  Core features:
    • Session reconciliation with restart recovery
    • Per-client traffic totals and history
    • Ephemeral credentials (auto_1h .. auto_720h) with automatic revocation
    • Host metrics sampling, read-only HTTP API and terminal dashboard`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		appInstance, err = newApp()
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appInstance != nil {
			return appInstance.Close()
		}
		return nil
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration once per process.
func loadConfig() (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	dataDir, err := paths.DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	configDir, err := paths.ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg, err := config.Load(v, dataDir, configDir)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

func newApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

// skipApp is used by commands that never touch the database.
func skipApp(cmd *cobra.Command, args []string) error { return nil }

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("db", "", "database path")
	flags.String("status-file", "", "OpenVPN status file (default: search known paths)")
	flags.String("easyrsa-dir", "", "easy-rsa directory")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	v.BindPFlag("config", flags.Lookup("config"))
	v.BindPFlag(config.KeyDBPath, flags.Lookup("db"))
	v.BindPFlag(config.KeyStatusFile, flags.Lookup("status-file"))
	v.BindPFlag(config.KeyEasyRSADir, flags.Lookup("easyrsa-dir"))
	v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: skipApp,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vpnward %s\n", version)
	},
}
