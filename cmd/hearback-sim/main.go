// ABOUTME: Entry point for the Hearback simulation CLI
// ABOUTME: Runs synthetic clock-domain scenarios through a real session
package main

import (
	"os"

	"github.com/Hearback-Project/hearback-go/cmd/hearback-sim/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
