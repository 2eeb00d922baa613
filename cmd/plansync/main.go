// Command plansync is the offline-first planner sync agent. It keeps a local
// SQLite cache of the user's planner data, queues mutations while offline and
// reconciles with the remote backend once connectivity is validated.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var (
	flagDataDir string
	flagBackend string
	flagLogFile string
)

var rootCmd = &cobra.Command{
	Use:     "plansync",
	Short:   "Offline-first planner synchronization agent",
	Version: fmt.Sprintf("%s (built %s)", version, buildDate),
}

func init() {
	defaultDir := ".plansync"
	if home, err := os.UserHomeDir(); err == nil {
		defaultDir = filepath.Join(home, ".plansync")
	}

	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDir, "local cache directory")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "https://api.plansync.local", "remote backend base URL")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "log file path (rotated); empty logs to stderr")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(signinCmd)
	rootCmd.AddCommand(signoutCmd)
}

// newLogger builds a production logger, rotating through lumberjack when a
// log file is configured.
func newLogger() *zap.Logger {
	if flagLogFile == "" {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintln(os.Stderr, "logger:", err)
			os.Exit(1)
		}
		return logger
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   flagLogFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
	})
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		sink,
		zap.InfoLevel,
	)
	return zap.New(core)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
