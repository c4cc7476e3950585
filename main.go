// KServer - a command server for hardware-style devices over TCP, Unix
// sockets and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tvanderbruggen/kserver/cmd"
	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:])
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "kserver: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when a listener could not be bound, 1 otherwise.
func exitCode(err error) int {
	var fe *kerrors.FatalError
	if errors.As(err, &fe) {
		return 2
	}
	return 1
}
