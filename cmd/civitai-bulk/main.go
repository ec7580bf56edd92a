package main

import (
	"go-civitai-bulk/cmd/civitai-bulk/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
