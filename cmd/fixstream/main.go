package main

import (
	"os"

	"github.com/Corvid-Labs/fixstream/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
