package main

import (
	"fmt"
	"os"

	"github.com/ycx81/safety-supervisor/cmd/safectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
