// Package main is the entry point for the recon CLI.
package main

import (
	"os"

	"github.com/limoledger/reconcile/cmd/recon/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
