package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soypete/phraseguard/pkg/logits"
	"github.com/soypete/phraseguard/pkg/phrases"
)

func phrasesCmd() *cobra.Command {
	var (
		file     string
		vocab    string
		variants []string
		texts    []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "phrases",
		Short: "Expand and print banned phrases as token ids",
		Long: `Load a phrase file (or --text phrases), expand each text phrase into its
surface forms, tokenise them and print the resulting phrase set.

Examples:
  phraseguard phrases --file banned.yaml --vocab vocab.txt
  phraseguard phrases --vocab vocab.txt --text "hello world" --variants lower,title`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Phrases.File
			}
			if vocab == "" {
				vocab = cfg.Phrases.Vocab
			}
			if len(variants) == 0 {
				variants = cfg.Phrases.Variants
			}

			f := &phrases.File{}
			if file != "" {
				if f, err = phrases.Load(file); err != nil {
					return err
				}
			}
			f.Phrases = append(f.Phrases, texts...)
			if len(variants) > 0 {
				if f.Variants, err = phrases.ParseVariants(variants); err != nil {
					return err
				}
			}
			if len(f.Phrases) == 0 && len(f.TokenIDs) == 0 {
				return errors.New("no phrases: pass --file or --text")
			}

			var (
				enc phrases.Encoder
				tok *logits.VocabTokenizer
			)
			if vocab != "" {
				if tok, err = logits.LoadVocab(vocab); err != nil {
					return err
				}
				enc = tok
			}

			set, err := phrases.Build(f, enc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"epsilon": f.EpsilonOr(cfg.EpsilonValue()),
					"phrases": set.Phrases(),
				})
			}
			for i := range set.Len() {
				p := set.At(i)
				fmt.Fprintf(out, "%3d: %v", i, p)
				if tok != nil {
					fmt.Fprintf(out, " %q", tok.Decode(p))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Phrase file (default from config)")
	cmd.Flags().StringVar(&vocab, "vocab", "", "Vocabulary file (default from config)")
	cmd.Flags().StringSliceVar(&variants, "variants", nil, "Surface forms to expand (lower, title, spaced_lower, spaced_title)")
	cmd.Flags().StringArrayVar(&texts, "text", nil, "Extra text phrase (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
