package main

import (
	"os"

	"btcopilot/internal/copilotctl"
)

func main() {
	os.Exit(copilotctl.Run(os.Args[1:]))
}
