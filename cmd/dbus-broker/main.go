// Command dbus-broker runs the broker core's dispatch loop.
package main

import (
	"github.com/bitstreamout/dbus-broker/cmd/dbus-broker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.Exit(err)
	}
}
