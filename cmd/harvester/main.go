package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/masa-finance/timeline-harvester/internal/versioning"
)

var rootCmd = &cobra.Command{
	Use:     "harvester",
	Short:   "harvester collects tweets from profiles, searches, threads, events and topics.",
	Version: versioning.ApplicationVersion,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
