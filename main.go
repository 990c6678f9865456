package main

import (
	"fmt"
	"os"

	"api-replay/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "api-replay: %v\n", err)
		os.Exit(1)
	}
}
