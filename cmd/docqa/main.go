package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	ownerFlag string
)

var rootCmd = &cobra.Command{
	Use:           "docqa",
	Short:         "Ask questions about your documents, answered only from their content",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "owner id for API calls (default: mcp.owner_id)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(ingestCmd, replaceCmd, docsCmd, docCmd, askCmd, deleteCmd, reindexCmd)
	rootCmd.AddCommand(tokenCmd, configCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
