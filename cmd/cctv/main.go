package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cctv "github.com/i5heu/ouroboros-cctv"
	"github.com/i5heu/ouroboros-cctv/internal/config"
	"github.com/i5heu/ouroboros-cctv/pkg/logging"
)

var (
	configFile string
	verbose    bool
	dataDir    string
	offline    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cctv",
		Short: "Encrypted CCTV recording to IPFS",
		Long: `Captures video streams into encrypted chunks, stores them on IPFS and
plays them back from their content address.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default ./config.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for keys, ledger and spool")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "store chunks in the local store instead of IPFS")

	rootCmd.AddCommand(
		ingestCmd(),
		reconstructCmd(),
		keygenCmd(),
		ledgerCmd(),
		resendCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("offline") {
		cfg.Offline = offline
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

// openPipeline loads the configuration and opens a pipeline on it.
func openPipeline(cmd *cobra.Command, mutate func(*cctv.Config)) (*cctv.Pipeline, config.Config, *logrus.Logger, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, nil, err
	}
	pc := cfg.Pipeline()
	pc.Logger = log
	if mutate != nil {
		mutate(&pc)
	}
	p, err := cctv.New(pc)
	if err != nil {
		return nil, cfg, log, err
	}
	return p, cfg, log, nil
}
