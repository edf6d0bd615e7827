// Package main provides the entry point for the Happy daemon.
package main

import (
	"fmt"
	"os"

	"github.com/happy-coder/happy/cmd/happy-daemon/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
