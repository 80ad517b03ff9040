package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/evals"
	"github.com/soypete/phraseguard/pkg/generate"
	"github.com/soypete/phraseguard/pkg/logits"
	"github.com/soypete/phraseguard/pkg/metrics"
	"github.com/soypete/phraseguard/pkg/store"
)

func runCmd() *cobra.Command {
	var (
		taskPath string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scripted generation through the mechanism",
		Long: `Run one scripted generation. The task file holds the prompts and the
scripted model, in the same form as an eval task's input:

  prompts: [[0]]
  eos: 1
  max_length: 10
  phrases: [[7, 8]]        # optional, defaults to the configured phrase file
  model:
    vocab_size: 10
    rules:
      - {after: [0], next: [7, 9]}

Examples:
  phraseguard run --task demo.yaml
  PHRASEGUARD_EPSILON=0.5 phraseguard run --task demo.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGeneration(ctx, cmd, taskPath, asJSON)
		},
	}

	cmd.Flags().StringVarP(&taskPath, "task", "t", "", "Path to task YAML file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.MarkFlagRequired("task")

	return cmd
}

func loadTaskInput(path string) (*evals.TaskInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var in evals.TaskInput
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if err := in.Model.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

func runGeneration(ctx context.Context, cmd *cobra.Command, taskPath string, asJSON bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	in, err := loadTaskInput(taskPath)
	if err != nil {
		return err
	}
	src, err := loadPhrases(cfg)
	if err != nil {
		return err
	}

	ps := src.set
	if len(in.Phrases) > 0 {
		if ps, err = banned.NewPhraseSet(in.Phrases); err != nil {
			return err
		}
	}
	epsilon := src.epsilon
	if in.Epsilon != nil {
		epsilon = *in.Epsilon
	}

	es, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.URL)
	if err != nil {
		return err
	}
	defer es.Close()

	log := &generate.EventLog{}
	opts := append(mechanismOptions(cfg, epsilon, logger),
		banned.WithObserver(log),
		banned.WithObserver(metrics.Observer{}),
	)
	mech, err := banned.New(ps, len(in.Prompts), opts...)
	if err != nil {
		return err
	}

	if in.Preset != "" {
		cfg.Generation.Preset = in.Preset
	}
	if in.MaxLength > 0 {
		cfg.Generation.MaxLength = in.MaxLength
	}
	sc, err := samplerConfig(cfg)
	if err != nil {
		return err
	}
	sampler, err := logits.NewSampler(sc)
	if err != nil {
		return err
	}

	var tok logits.Tokenizer
	if src.tok != nil {
		tok = src.tok
	}
	eos := in.EOS
	if eos <= 0 {
		eos = eosToken(cfg, tok)
	}

	gen, err := generate.New(&in.Model, mech, sampler,
		generate.WithFilters(sc.Filters()),
		generate.WithEOS(eos),
		generate.WithMaxLength(cfg.Generation.MaxLength),
		generate.WithMaxSteps(cfg.Generation.MaxSteps),
		generate.WithEventLog(log),
		generate.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	res, err := gen.Run(ctx, in.Prompts)
	if err != nil {
		return err
	}

	run := store.NewRun(taskPath, mech)
	if err := es.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if err := es.AppendEvents(ctx, run.ID, res.Events); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	logger.Info("generation finished",
		"run", run.ID, "steps", res.Steps, "reversions", res.Reversions, "events", len(res.Events))

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"run_id":     run.ID,
			"sequences":  res.Sequences,
			"steps":      res.Steps,
			"reversions": res.Reversions,
			"events":     res.Events,
		})
	}

	var texts []string
	if tok != nil {
		texts = res.Decode(tok)
	}
	for i := range res.Sequences {
		fmt.Fprintf(out, "%d: %v", i, res.Generated(i))
		if texts != nil {
			fmt.Fprintf(out, " %q", texts[i])
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "steps: %d, reversions: %d\n", res.Steps, res.Reversions)
	return nil
}
