package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soypete/phraseguard/pkg/evals"
	"github.com/soypete/phraseguard/pkg/store"
)

func evalCmd() *cobra.Command {
	var (
		evalConfig    string
		outputDir     string
		saveEvents    bool
		concurrency   int
		trialsPerTask int
		seed          uint64
		timeout       time.Duration
		format        string
		verbose       bool
		noColor       bool
		minPassRate   float64
	)

	cmd := &cobra.Command{
		Use:   "eval <suite.yaml>",
		Short: "Run an evaluation suite",
		Long: `Run every task of a suite through the mechanism and grade the output.

Examples:
  # Run a suite with three trials per task
  phraseguard eval suites/basic.yaml --trials 3

  # Write a JSON report and per-trial event logs
  phraseguard eval suites/basic.yaml --format all --save-events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			config := evals.DefaultConfig()
			if evalConfig != "" {
				if config, err = evals.LoadConfig(evalConfig); err != nil {
					return err
				}
			}

			// Override from flags
			flags := cmd.Flags()
			if flags.Changed("output") {
				config.OutputDir = outputDir
			}
			if flags.Changed("save-events") {
				config.SaveEvents = saveEvents
			}
			if flags.Changed("concurrency") {
				config.Concurrency = concurrency
			}
			if flags.Changed("trials") {
				config.TrialsPerTask = trialsPerTask
			}
			if flags.Changed("seed") {
				config.Seed = seed
			} else if config.Seed == 0 && cfg.Mechanism.Seed != 0 {
				config.Seed = cfg.Mechanism.Seed
			}
			if flags.Changed("timeout") {
				config.Timeout = timeout
			}

			suite, err := evals.LoadSuite(args[0])
			if err != nil {
				return err
			}

			opts := []evals.Option{evals.WithLogger(logger)}
			if cfg.Store.Driver != "memory" {
				es, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.URL)
				if err != nil {
					return err
				}
				defer es.Close()
				opts = append(opts, evals.WithStore(es))
			}
			if verbose {
				errOut := cmd.ErrOrStderr()
				var mu sync.Mutex
				opts = append(opts, evals.WithProgress(func(p evals.Progress) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintf(errOut, "[%s] %s trial %d: %s\n",
						time.Now().Format("15:04:05"), p.TaskID, p.Trial, p.Status)
				}))
			}

			harness, err := evals.NewHarness(config, opts...)
			if err != nil {
				return fmt.Errorf("create harness: %w", err)
			}

			run, err := harness.Run(ctx, suite)
			if err != nil {
				return fmt.Errorf("run evaluation: %w", err)
			}

			reporter, err := buildReporter(format, config.OutputDir, run.ID, verbose, !noColor)
			if err != nil {
				return err
			}
			if err := reporter.Report(run); err != nil {
				return err
			}

			if run.Summary.OverallPassRate < minPassRate {
				return fmt.Errorf("pass rate %.1f%% below %.1f%%",
					run.Summary.OverallPassRate*100, minPassRate*100)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&evalConfig, "eval-config", "", "Path to eval config YAML")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "./results", "Output directory for results")
	cmd.Flags().BoolVar(&saveEvents, "save-events", false, "Save per-trial event logs")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Number of concurrent trials")
	cmd.Flags().IntVar(&trialsPerTask, "trials", 1, "Number of trials per task")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Base gate seed; trial n uses seed+n")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Timeout per trial")
	cmd.Flags().StringVarP(&format, "format", "f", "console", "Output format (console, json, all)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show per-trial progress and results")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.Flags().Float64Var(&minPassRate, "min-pass-rate", 0, "Fail when the pass rate is below this fraction")

	return cmd
}

func buildReporter(format, outputDir, runID string, verbose, color bool) (evals.Reporter, error) {
	jsonPath := filepath.Join(outputDir, runID+".json")
	switch format {
	case "console":
		return evals.NewConsoleReporter(verbose, color), nil
	case "json":
		return evals.NewJSONReporter(jsonPath, true), nil
	case "all":
		return evals.NewMultiReporter(
			evals.NewConsoleReporter(verbose, color),
			evals.NewJSONReporter(jsonPath, true),
		), nil
	default:
		return nil, fmt.Errorf("unknown format %q (console, json, all)", format)
	}
}
