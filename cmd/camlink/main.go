// Package main is the entry point for the camlink application.
package main

import (
	"os"

	"github.com/camlink/camlink/cmd/camlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
