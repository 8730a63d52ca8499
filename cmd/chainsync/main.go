package main

import (
	"os"

	"github.com/celestiaorg/chainsync/cmd/chainsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
