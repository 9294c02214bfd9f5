// SimFlow - Monte Carlo draws for tabular data, delivered into a store
// by push, pull or pickup.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/simflow/simflow/internal/logging"
	"github.com/simflow/simflow/pkg/config"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile  string
	storeDSN    string
	logLevel    string
	logFormat   string
	metricsFile string
)

// Process state set up by the root command before any subcommand runs.
var (
	cfg     *config.Config
	log     *logrus.Logger
	metrics *telemetry.Metrics
	tracing *telemetry.Tracing
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if serr := tracing.Shutdown(shutdownCtx); serr != nil {
			fmt.Fprintln(os.Stderr, "trace shutdown:", serr)
		}
		cancel()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(sferrors.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "simflow",
	Short: "SimFlow - Monte Carlo draws delivered into your database",
	Long: `SimFlow fits a model on the history of a table, simulates draws for the
rows past a split point and delivers them into a destination table.

Three transports are available:
  push    simulate here, write over the connection
  pull    run the simulation as a procedure inside the store
  pickup  exchange file artifacts with a separate simulation process`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (merged over the default search paths)")
	pf.StringVar(&storeDSN, "store", "", "Store DSN: DuckDB path or postgres:// URL")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus textfile metrics here after the command")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

// setup loads configuration, then applies the global flags over it.
func setup(cmd *cobra.Command, _ []string) error {
	m := config.NewManager()
	if err := m.Load(configFile); err != nil {
		return err
	}
	cfg = m.Get()
	configPaths = m.GetPaths()

	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.DSN = storeDSN
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("metrics-file") {
		cfg.Telemetry.MetricsFile = metricsFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var err error
	if log, err = logging.Setup(cfg.Log.Level, logging.Format(cfg.Log.Format)); err != nil {
		return sferrors.Wrap(err, sferrors.CodeInvalidConfig, "logging")
	}
	metrics = telemetry.NewMetrics()
	if tracing, err = telemetry.InitTracing(cmd.Context(), cfg.Telemetry.OTLP, version); err != nil {
		log.WithError(err).Warn("tracing disabled")
		tracing = nil
	}
	return nil
}

// flushMetrics writes the textfile, if configured. Failures are logged
// only; they never change the command outcome.
func flushMetrics() {
	if cfg == nil || cfg.Telemetry.MetricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.Telemetry.MetricsFile); err != nil {
		log.WithError(err).Warn("write metrics textfile")
	}
}
