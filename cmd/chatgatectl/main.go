package main

import (
	"os"

	"github.com/jmylchreest/chatgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
