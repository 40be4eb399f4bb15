// Package main is the entry point for the remote-viewer binary.
//
// remote-viewer launches experiment viewers on remote hosts over SSH and
// forwards them to local ports. "remote-viewer serve" runs the HTTP API that
// owns connections and viewer sessions; the other subcommands and the
// dashboard (no arguments) talk to it.
//
// Usage:
//
//	remote-viewer serve                         # run the API server
//	remote-viewer viewer start gpu --root /data  # launch a viewer
//	remote-viewer                               # open the dashboard
package main

import (
	"context"
	"os"

	"github.com/treykane/remote-viewer/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}
