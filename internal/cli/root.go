// Package cli defines the ctw cobra commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/ctw/internal/config"
	"github.com/atlasmap-sc/ctw/internal/logger"
)

// Version is reported by --version.
var Version = "0.1.0"

// app holds the state shared by all commands of one invocation.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger

	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand builds the ctw command tree writing to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "ctw",
		Short: "Export single-cell datasets as cell atlas worksheets",
		Long: `ctw converts an AnnData (Zarr) dataset into a worksheet bundle with
coordinates, expression, clustering, marker genes and cell types, packages
it as <name>.ctw.tgz and uploads archives to a catalog service.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetGlobalNormalizationFunc(normalizeFlagName)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default $CTW_CONFIG or ./ctw.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		a.fromScanpyCommand(),
		a.uploadCommand(),
		a.scanpyObsCommand(),
		a.inspectCommand(),
		a.byeCommand(),
	)
	return root
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

// normalizeFlagName lets --cluster_name and --cluster-name name the same flag.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	// Try load env
	dotenvErr := godotenv.Load()

	cfg, err := config.Resolve(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.NewWithWriter(a.stderr, level)

	if dotenvErr != nil {
		a.logger.Debug("No .env found, using local environment")
	}
	a.logger.Debug("Configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("log_level", cfg.Log.Level))
	return nil
}

func (a *app) byeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bye",
		Short: "Print a farewell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(a.stdout, "Bye World!")
			return err
		},
	}
}
