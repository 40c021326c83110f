package main

import (
	"fmt"
	"os"

	"github.com/quillan/sandbus/internal/logging"
)

func main() {
	logging.ConfigureRuntime("sandbusd")
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sandbusd: %v\n", err)
		os.Exit(1)
	}
}
