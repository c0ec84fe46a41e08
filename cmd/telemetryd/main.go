package main

import (
	"os"

	"github.com/solatis/telemetryd/cmd/telemetryd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
