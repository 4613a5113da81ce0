// Package t86dbg is the command-line entry point (spec.md component H,
// the only piece of the system not named by a [MODULE] block): a cobra
// command tree wrapping pkg/dbg/native, pkg/dbg/source and pkg/dbg/vmproc,
// grounded on Manu343726-cucaracha's cmd/root.go (cobra.OnInitialize +
// viper config loading) and cmd/mc's per-command flag style
// (Flags().StringVarP, fmt.Fprintf(os.Stderr, ...) + os.Exit on failure).
package t86dbg

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd is the base command when t86dbg is called without a subcommand.
var RootCmd = &cobra.Command{
	Use:   "t86dbg",
	Short: "A source-level debugger for the T86 register machine",
	Long: `t86dbg drives a running T86 VM process over its debug wire protocol,
offering breakpoints, watchpoints, single stepping and source-level
variable inspection from the command line.`,
}

// Execute adds all child commands to RootCmd and runs it. Called once
// from main.main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.t86dbg.yaml)")
	RootCmd.AddCommand(attachCmd)
	cobra.OnInitialize(initConfig)
}

// initConfig reads a config file and environment variables, the way
// cmd/root.go's initConfig does for the teacher's own ".cucaracha" config.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".t86dbg")
	}

	viper.SetEnvPrefix("T86DBG")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
