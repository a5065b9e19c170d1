// Command mgmtctl drives a management daemon over gRPC.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/anvil-platform/anvil-mgmt/internal/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var remote *transport.RemoteError
		if errors.As(err, &remote) && remote.Reason != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint(remote.Reason+":"), remote.Message)
		} else {
			fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		}
		os.Exit(1)
	}
}
