package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	configPath string
	controlURL string
)

var rootCmd = &cobra.Command{
	Use:   "offline0",
	Short: "Offline-resilient caching proxy for a single web origin",
	Long: `offline0 sits in front of a web origin, serves cached shell assets and
API responses while the origin is unreachable, queues mutating requests for
replay and refreshes cached content in the background.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	// Load .env before flag defaults read the environment. A missing file is
	// fine.
	_ = godotenv.Load()

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	rootCmd.PersistentFlags().StringVar(&controlURL, "control", getenvDefault("OFFLINE0_CONTROL_URL", "http://127.0.0.1:8080/_offline0"), "control endpoint base URL of a running server")

	rootCmd.AddCommand(serveCmd, cacheCmd, activateCmd, syncCmd, pushCmd, queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.DateTime,
	}))
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
