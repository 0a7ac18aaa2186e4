// Package main provides the epd-explore command entry point.
package main

import (
	"os"

	"github.com/drfirst/go-epd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
