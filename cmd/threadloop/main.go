package main

import (
	"os"

	"github.com/psantana5/threadloop/cmd/threadloop/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
