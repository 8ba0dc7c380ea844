// Package main provides the edge session daemon.
//
// Usage:
//
//	edged serve [flags]
//
// The daemon terminates capture WebSockets, stores interview audio,
// drives realtime transcription, and serves the session control API.
package main

import (
	"fmt"
	"os"

	"github.com/BilltheChurch/Interview-feedback-sub005/cmd/edged/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
