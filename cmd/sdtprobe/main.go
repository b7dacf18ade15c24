package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/logger"
	"github.com/sdtprobe/sdtprobe/internal/validation"
)

var (
	logLevel  string
	logFormat string

	exitFunc func(int)
)

func init() {
	exitFunc = os.Exit
}

func main() {
	rootCmd := newRootCmd()

	ctx, stop := interruptContext()
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		logger.Sync()
		exitFunc(1)
	}
	logger.Sync()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdtprobe",
		Short: "SystemTap SDT probes for Go programs",
		Long: `sdtprobe generates statically defined tracing probes for Go packages and
writes their .note.stapsdt records into linked binaries, so that perf, bpftrace,
SystemTap and GDB can find and attach to them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error, fatal). Overrides SDTPROBE_LOG_LEVEL environment variable")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Set log encoding (console, json). Overrides SDTPROBE_LOG_FORMAT environment variable")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := validation.ValidateLogLevel(logLevel); err != nil {
			return err
		}
		if err := validation.ValidateLogFormat(logFormat); err != nil {
			return err
		}
		if logLevel != "" {
			logger.SetLevel(logLevel)
		}
		if logFormat != "" {
			logger.SetOutput(cmd.ErrOrStderr(), logFormat)
		}
		return nil
	}

	rootCmd.AddCommand(
		newGenerateCmd(),
		newLinkCmd(),
		newListCmd(),
		newVerifyCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sdtprobe version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), config.GetUserAgent())
		},
	}
}

// interruptContext is canceled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in interrupt handler", zap.Any("panic", r))
			}
		}()
		select {
		case sig := <-sigChan:
			logger.Warn("Interrupted", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
