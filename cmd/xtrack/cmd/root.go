package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xtrack/config"
)

// app is the state shared by all commands once the root pre-run loaded it.
type app struct {
	envFiles []string
	logLevel string

	cfg    config.Config
	logger *xlog.Logger
}

// NewRootCmd builds the xtrack command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "xtrack",
		Short: "Index a music library and browse it through a windowed track cache",
		Long: `xtrack indexes audio files into a track store and serves queries
against it locally or over Redis Streams, WebSocket or watermill.

Available commands:
  index     Scan a directory and upsert the tracks it contains
  serve     Answer remote queries from the local store
  browse    Search the library and page through the results
  version   Print the version

Configuration comes from XTRACK_* environment variables and .env files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "dotenv files to load (default: .env if present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides XTRACK_LOG_LEVEL)")

	root.AddCommand(
		newIndexCmd(a),
		newServeCmd(a),
		newBrowseCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) load() error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = newLogger(cfg)
	return nil
}

func newLogger(cfg config.Config) *xlog.Logger {
	zc := zerolog.Config{
		MinLevel:          xlog.LevelInfo,
		Console:           cfg.LogPretty,
		ConsoleTimeFormat: time.RFC3339,
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zc.MinLevel = xlog.LevelDebug
	case "warn", "warning":
		zc.MinLevel = xlog.LevelWarn
	case "error":
		zc.MinLevel = xlog.LevelError
	}
	return zerolog.Use(zc).With(xlog.Str("app", "xtrack"))
}
