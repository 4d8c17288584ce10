package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nanoncore/nano-reconciler/internal/config"
	"github.com/nanoncore/nano-reconciler/internal/logger"
)

var (
	cfgFile  string
	envFile  string
	logLevel string

	cfg config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nano-reconciler",
	Short: "Keeps ISP routers and OLTs in line with the subscriber database",
	Long: `nano-reconciler monitors routers and OLTs, detects and repairs drift
between devices and the system of record, heals degraded optical units,
enforces suspensions and executes approved service requests.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, envFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		log, err = logger.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./nano-reconciler.yaml or /etc/nano-reconciler/)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(serveCmd, runCmd)
}
