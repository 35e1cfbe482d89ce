// Package main is the entry point for the pathrelayd application.
package main

import (
	"os"

	"github.com/jmylchreest/pathrelay/cmd/pathrelayd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
