package main

import (
	"os"

	"github.com/nimbus-baas/nimbus-stack/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
