// Command greyfinch-sync exports Greyfinch practice data with resumable
// checkpoints.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/greyfinch-sync/internal/cli"
)

func main() {
	// Interrupts cancel the run; entities halt with their last checkpoint.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
