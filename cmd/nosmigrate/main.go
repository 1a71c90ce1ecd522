package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nithronos/nosmigrate/internal/config"
)

var (
	// Version info (set by build)
	Version   = "dev"
	BuildTime = "unknown"

	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool

	cfg    config.Config
	cfgErr error
)

var rootCmd = &cobra.Command{
	Use:   "nosmigrate",
	Short: "Live storage pool drive migration",
	Long: `nosmigrate moves a live ZFS pool from one set of drives to another,
one replace and resilver at a time, and keeps a record of every run.

Run "nosmigrate serve" for the HTTP API or use the subcommands directly.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// an explicit --config must parse
		return cfgErr
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory")
	rootCmd.PersistentFlags().String("agent-socket", "", "route pool mutations through the agent at this unix socket")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("agent-socket", rootCmd.PersistentFlags().Lookup("agent-socket"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(),
		newAgentCmd(),
		newValidateCmd(),
		newReplaceCmd(),
		newHistoryCmd(),
		newMaintenanceCmd(),
		newVersionCmd(),
	)
}

// initConfig loads the YAML config with NOS_* overrides and then applies
// any flags given on the command line.
func initConfig() {
	if cfgFile != "" {
		cfg, cfgErr = config.LoadFile(cfgFile)
	} else {
		cfg = config.FromEnv()
	}
	applyFlags(&cfg, viper.GetViper())
	if verbose {
		fmt.Fprintf(os.Stderr, "state dir: %s\n", cfg.StateDir)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
