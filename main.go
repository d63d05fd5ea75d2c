package main

import (
	"fmt"
	"os"

	"github.com/evtstream/mixetl/internal/cmd"
)

func main() {
	if err := cmd.Command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
