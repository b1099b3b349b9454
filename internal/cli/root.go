// Package cli wires the patientsim commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"patientsim/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:   "patientsim",
		Short: "Simulated-patient training service",
		Long: `patientsim runs turn-based doctor training sessions against simulated
patients. Case facts are disclosed progressively, gated by the doctor's
level and the visit number.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(listenCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
}
