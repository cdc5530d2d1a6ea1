// Package main is the entry point for the hlstree application.
package main

import (
	"os"

	"github.com/jmylchreest/hlstree/cmd/hlstree/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
