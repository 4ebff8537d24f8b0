// Package main provides the entry point for runnerpoolctl, the
// self-hosted CI runner pool reconciliation server.
//
// Usage:
//
//	runnerpoolctl [serve]   - Start the reconciliation server
package main

import (
	"github.com/opsloop/runnerpool/commands"
)

var (
	// Version information (set via ldflags)
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	commands.SetVersionInfo(Version, Commit, Date)
	commands.Execute()
}
