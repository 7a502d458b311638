package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cwbudde/tidyscan/internal/config"
	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/summarizer"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tidyscan",
	Short: "Summarize folders of files into a crash-safe result store",
	Long: `tidyscan walks folders, asks a summarization service to describe each
file and records the results in a single JSON store that survives crashes,
concurrent writers and partial writes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded

		logger = newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./tidyscan.yaml or ~/.config/tidyscan/tidyscan.yaml)")
	flags.String("store", "", "Result store file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, text)")

	v.BindPFlag("store.path", flags.Lookup("store"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("log.format", flags.Lookup("log-format"))
}

func newLogger(w io.Writer, levelName, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openStore opens the configured result store with its own lock manager.
func openStore() (*store.RecordStore, error) {
	lm := store.NewLockManager(cfg.Store.LockTimeout)
	st, err := store.NewRecordStore(cfg.Store.Path, cfg.StoreOptions(lm))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func newSummarizer() *summarizer.HTTPSummarizer {
	return summarizer.NewHTTPSummarizer(cfg.Summarizer.URL, cfg.Summarizer.Timeout)
}
