// Package cli wires configuration, providers and stores into cobra commands.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tik-choco-lab/ragpipe/internal/config"
)

const defaultConfigPath = "config.json"

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	// buildApp constructs the dependencies once per command. Tests replace it.
	buildApp func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error)

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand returns the ragpipe command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{buildApp: newApp})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragpipe",
		Short: "Document ingestion and retrieval-augmented generation",
		Long: `ragpipe chunks and embeds documents into a vector store and answers
queries from the most similar segments.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			opts.logger = logger

			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			logger.Debug("loaded config", "path", opts.configPath, "config", cfg.String())
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file (JSON, or YAML by extension)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	cmd.AddCommand(
		newServeCommand(opts),
		newIngestCommand(opts),
		newSearchCommand(opts),
		newGenerateCommand(opts),
		newChunkCommand(opts),
		newDeleteCommand(opts),
		newModelsCommand(opts),
		newTUICommand(opts),
	)
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		return 1
	}
	return 0
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return nil, errors.Errorf("invalid log format %q", format)
}

// withApp builds the dependencies, runs fn and releases them.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := o.buildApp(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			o.logger.Warn("close store", "error", err)
		}
	}()
	return fn(ctx, a)
}

func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
