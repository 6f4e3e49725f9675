// Package main provides the Cyberwave CLI entry point.
package main

import (
	"os"

	"github.com/cyberwave-os/cyberwave-cli/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
