// Package cli wires the matrixci commands: run, plan, resume, version.
//
// Every persistent flag has an environment equivalent prefixed MATRIXCI_
// (e.g. --state-dir / MATRIXCI_STATE_DIR). When both are set, the flag form
// wins.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"matrixci/internal/pipeline"
)

// Semantic exit codes.
const (
	ExitSuccess           = 0
	ExitJobFailure        = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// envPrefix is the prefix for all environment configuration.
const envPrefix = "MATRIXCI"

// Version is stamped at build time via -ldflags.
var Version = "dev"

// ExitError carries a semantic exit code out of a command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func exitErrorf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to its exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	var pe *pipeline.ParseError
	if errors.As(err, &pe) {
		return ExitConfigError
	}
	return ExitInternalError
}

// RootCommand is the entrypoint command plus its resolved options.
type RootCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	opts Options

	logger *zap.Logger
}

// Options are the settings shared by all commands.
type Options struct {
	PipelinePath string `mapstructure:"pipeline"`
	WorkDir      string `mapstructure:"workdir"`
	StateDir     string `mapstructure:"state-dir"`
	Workers      int    `mapstructure:"workers"`
	FailFast     bool   `mapstructure:"fail-fast"`
	ReportPath   string `mapstructure:"report"`
	LogLevel     string `mapstructure:"log-level"`
}

// NewRootCommand builds the command tree.
func NewRootCommand() (*RootCommand, error) {
	root := &RootCommand{
		Command: &cobra.Command{
			Use:   "matrixci",
			Short: "Run a matrix pipeline locally",
			Long: `matrixci expands a pipeline declaration into its job matrix and executes
every job's steps as shell commands, in parallel across a worker pool.

Each CLI flag has an environment variable equivalent prefixed with MATRIXCI.
If both are specified, the flag form takes precedence.

Examples
  --state-dir   MATRIXCI_STATE_DIR
  --workers     MATRIXCI_WORKERS`,
			SilenceUsage:  true,
			SilenceErrors: true,
		},
	}

	// Keys with `-` must use `_` in env form or viper won't match them.
	root.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	root.vpr.SetEnvPrefix(envPrefix)
	root.vpr.AutomaticEnv()

	pf := root.PersistentFlags()
	pf.SortFlags = false
	pf.StringP("pipeline", "p", "pipeline.yaml", "pipeline declaration file")
	pf.StringP("workdir", "w", "", "absolute working directory jobs execute in (required)")
	pf.String("state-dir", "", "directory run state is stored under (defaults to the working directory)")
	pf.Int("workers", 1, "maximum number of jobs executed concurrently")
	pf.Bool("fail-fast", false, "stop dispatching jobs after the first failure")
	pf.String("report", "", "write the canonical run report to this path")
	pf.String("log-level", "info", "log level: debug, info, warn, error")

	if err := root.vpr.BindPFlags(pf); err != nil {
		return nil, err
	}

	root.PersistentPreRunE = root.preRun
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitInvalidInvocation, Message: err.Error()}
	})

	root.AddCommand(root.newRunCommand())
	root.AddCommand(root.newPlanCommand())
	root.AddCommand(root.newResumeCommand())
	root.AddCommand(newVersionCommand())

	return root, nil
}

// preRun resolves options from flags and environment and builds the logger.
func (r *RootCommand) preRun(_ *cobra.Command, _ []string) error {
	if err := r.vpr.Unmarshal(&r.opts); err != nil {
		return exitErrorf(ExitInvalidInvocation, "resolving options: %v", err)
	}

	logger, err := newLogger(r.opts.LogLevel)
	if err != nil {
		return exitErrorf(ExitInvalidInvocation, "%v", err)
	}
	r.logger = logger
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "", "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return cfg.Build()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the matrixci version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
