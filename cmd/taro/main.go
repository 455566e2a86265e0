// cmd/taro/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"taro/internal/persistence"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	application *app

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	// 1. Root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "config file to load - default is taro.yaml in ./configs, the current directory or ~/.config/taro")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging to stderr")
	rootCmd.SilenceErrors = true

	// 2. Load configuration and set up components before any command
	rootCmd.PersistentPreRunE = initApp

	rootCmd.AddCommand(execCmd, historyCmd, cleanCmd, removeCmd, scheduleCmd, backendsCmd)

	// 3. Cancel the root context on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	err := rootCmd.ExecuteContext(ctx)

	// 4. Always release persistence and flush telemetry
	if application != nil {
		if closeErr := application.Close(); closeErr != nil {
			slog.Warn("failed to close resources", "error", closeErr)
		}
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "taro",
	Short:        "Run, schedule and track jobs",
	SilenceUsage: true,
	RunE:         runDefaultAction,
}

// runDefaultAction runs the command named by default_action when no command is given.
func runDefaultAction(cmd *cobra.Command, args []string) error {
	switch application.cfg.DefaultAction {
	case "schedule":
		return doSchedule(cmd, args)
	case "backends":
		return doBackends(cmd, args)
	default:
		return doHistory(cmd, args)
	}
}

func initApp(cmd *cobra.Command, _ []string) error {
	a, err := newApp(flagConfigFilePath, flagVerbose)
	if err != nil {
		return err
	}
	application = a
	return nil
}

func printError(err error) {
	if errors.Is(err, persistence.ErrPersistenceDisabled) {
		fmt.Fprintln(os.Stderr, "Persistence is disabled.")
		if hints := errors.FlattenHints(err); hints != "" {
			fmt.Fprintln(os.Stderr, "Hint: "+strings.ReplaceAll(hints, "\n", "\nHint: "))
		}
		return
	}
	fmt.Fprintln(os.Stderr, "taro: "+err.Error())
	if hints := errors.FlattenHints(err); hints != "" {
		fmt.Fprintln(os.Stderr, "Hint: "+hints)
	}
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
