// Command docsafe stores and retrieves encrypted documents from the command
// line.
//
// Storage and crypto settings come from DOCSAFE_* environment variables.
// Passwords are read from DOCSAFE_STORE_PASSWORD and DOCSAFE_KEY_PASSWORD and
// are never accepted as flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
