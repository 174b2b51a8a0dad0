// Package commands implements the dbus-broker CLI.
package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd is the base command when dbus-broker is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "dbus-broker",
	Short: "A D-Bus message bus broker core",
	Long: `dbus-broker is a single-threaded, epoll-driven D-Bus message bus broker
core: connection authentication, message framing, and control-interface
dispatch.

All configuration is via command-line flags or their environment variables
(DBUS_BROKER_*); there is no configuration file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	viper.SetEnvPrefix("dbus_broker")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// Exit prints an error to stderr and exits with status 1.
func Exit(err error) {
	rootCmd.PrintErrln("Error:", err)
	os.Exit(1)
}
