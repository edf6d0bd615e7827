// Package main provides the entry point for the Happy CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/happy-coder/happy/cmd/happy/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit *commands.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
