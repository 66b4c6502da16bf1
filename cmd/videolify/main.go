// Command videolify runs the call relay and a headless call client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/logging"
)

var (
	flagLogLevel string
	flagDev      bool
)

var rootCmd = &cobra.Command{
	Use:   "videolify",
	Short: "1:1 video calls: signaling relay, TURN and a headless call client",
	Long: `videolify runs the signaling relay for two-party video lessons and a
headless client that can join a room, exchange chat and files, and share a
screen with adaptive quality.

Configuration comes from VIDEOLIFY_* environment variables; flags override them.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "human readable console logs")
	rootCmd.AddCommand(serveCmd, joinCmd, roomsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the shared flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagDev {
		cfg.Logging.Development = true
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	return logging.Setup(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
}
