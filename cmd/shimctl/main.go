package main

import (
	"os"

	"github.com/suPer8Hu/eventshim/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
