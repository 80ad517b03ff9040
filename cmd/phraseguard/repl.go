package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/repl"
)

func replCmd() *cobra.Command {
	var (
		phraseFlags []string
		promptFlags []string
		scriptPath  string
		noHistory   bool
	)

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Step the mechanism interactively",
		Long: `Start an interactive session that plays the host loop by hand.

Examples:
  # Ban the phrase 7 8 for a batch of one, starting from token 0
  phraseguard repl --phrase "7 8" --prompt 0

  # Use the configured phrase file and vocabulary, batch of two
  phraseguard repl --prompt 0 --prompt 0

  # Replay a recorded session, "-" reads stdin
  phraseguard repl --phrase "7 8" --prompt 0 --script steps.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			src, err := loadPhrases(cfg)
			if err != nil {
				return err
			}
			ps := src.set
			if len(phraseFlags) > 0 {
				ids, err := parseTokenLists(phraseFlags)
				if err != nil {
					return err
				}
				if ps, err = banned.NewPhraseSet(ids); err != nil {
					return err
				}
			}

			prompts, err := parseTokenLists(promptFlags)
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				prompts = make([][]int, cfg.Mechanism.BatchSize)
				for i := range prompts {
					prompts[i] = []int{}
				}
			}

			out := repl.NewOutput()
			out.SetWriter(cmd.OutOrStdout())
			if src.tok != nil {
				out.SetTokenizer(src.tok)
			}

			session, err := repl.NewSession(ps, prompts, out, mechanismOptions(cfg, src.epsilon, logger)...)
			if err != nil {
				return err
			}
			var opts []repl.Option
			if noHistory {
				opts = append(opts, repl.WithHistoryFile(""))
			}
			if scriptPath == "" {
				return repl.NewREPL(session, opts...).Run()
			}

			in := cmd.InOrStdin()
			if scriptPath != "-" {
				f, err := os.Open(scriptPath)
				if err != nil {
					return fmt.Errorf("open script: %w", err)
				}
				defer f.Close()
				in = f
			}
			opts = append(opts, repl.WithEcho(true))
			return repl.NewREPL(session, opts...).RunScript(in)
		},
	}

	cmd.Flags().StringArrayVarP(&phraseFlags, "phrase", "p", nil, `Banned phrase as token ids, e.g. "7 8" (repeatable)`)
	cmd.Flags().StringArrayVar(&promptFlags, "prompt", nil, `Prompt token ids for one sequence, e.g. "0 3" (repeat per sequence)`)
	cmd.Flags().StringVar(&scriptPath, "script", "", "Run commands from a file instead of the terminal")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not read or write the line history file")
	return cmd
}
