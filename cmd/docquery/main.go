// Command docquery trains and applies Bayes Point Machine document
// classifiers from LETOR files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docquery/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "docquery",
		Short:         "Bayes Point Machine document relevance classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "also write JSON logs to this file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newTrainCmd())
	root.AddCommand(newPredictCmd())
	return root
}

// commandLogger builds the logger selected by the persistent flags.
func commandLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	file, _ := cmd.Flags().GetString("log-file")
	logger, _, err := logging.New(logging.Config{Level: level, File: file})
	if err != nil {
		return nil, err
	}
	return logger, nil
}
