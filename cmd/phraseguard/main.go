// phraseguard steers token generation away from banned phrases. It runs
// scripted generations and evaluation suites, serves the mechanism over
// WebSocket, and offers a REPL for stepping it by hand.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/config"
	"github.com/soypete/phraseguard/pkg/logits"
	"github.com/soypete/phraseguard/pkg/phrases"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "phraseguard",
		Short: "Banned phrase avoidance for token generation",
		Long: `phraseguard keeps banned phrases out of generated text. When a sequence
completes a banned phrase it is rewound to where the phrase began and the
next-ranked candidate is emitted instead.

Configuration is read from --config, ./.phraseguard.yaml or
~/.phraseguard.yaml, with PHRASEGUARD_* environment overrides.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: .phraseguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replCmd())
	rootCmd.AddCommand(phrasesCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// loadConfig reads the config file named by --config, or the default
// lookup, falling back to built-in defaults when no file exists.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
		if errors.Is(err, config.ErrNotFound) {
			cfg, err = config.Default()
		}
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Debug.LogLevel = strings.ToLower(logLevel)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return cfg.NewLogger(os.Stderr)
}

// phraseSource is what the configured phrase file and vocabulary resolve to.
type phraseSource struct {
	set     *banned.PhraseSet
	epsilon float64
	tok     *logits.VocabTokenizer
}

// loadPhrases builds the phrase set from the config's phrases section. A
// phrase file's epsilon takes precedence over the mechanism section.
func loadPhrases(cfg *config.Config) (*phraseSource, error) {
	src := &phraseSource{epsilon: cfg.EpsilonValue()}

	var enc phrases.Encoder
	if cfg.Phrases.Vocab != "" {
		tok, err := logits.LoadVocab(cfg.Phrases.Vocab)
		if err != nil {
			return nil, err
		}
		src.tok = tok
		enc = tok
	}

	if cfg.Phrases.File == "" {
		src.set = banned.MustPhraseSet()
		return src, nil
	}

	f, err := phrases.Load(cfg.Phrases.File)
	if err != nil {
		return nil, err
	}
	if len(cfg.Phrases.Variants) > 0 {
		vs, err := phrases.ParseVariants(cfg.Phrases.Variants)
		if err != nil {
			return nil, err
		}
		f.Variants = vs
	}

	set, err := phrases.Build(f, enc)
	if err != nil {
		return nil, err
	}
	src.set = set
	src.epsilon = f.EpsilonOr(src.epsilon)
	return src, nil
}

// eosToken resolves the configured end-of-sequence token.
func eosToken(cfg *config.Config, tok logits.Tokenizer) int {
	if cfg.Generation.EOSToken > 0 {
		return cfg.Generation.EOSToken
	}
	if tok != nil {
		return tok.EOSToken()
	}
	return -1
}

// samplerConfig returns the configured preset with generation overrides.
func samplerConfig(cfg *config.Config) (*logits.SamplerConfig, error) {
	p := logits.GetPreset(cfg.Generation.Preset)
	if p == nil {
		return nil, fmt.Errorf("unknown sampler preset %q (have %s)",
			cfg.Generation.Preset, strings.Join(logits.ListPresets(), ", "))
	}
	sc := p.Config
	if cfg.Generation.Temperature > 0 {
		sc.Temperature = cfg.Generation.Temperature
	}
	if cfg.Generation.TopK > 0 {
		sc.TopK = cfg.Generation.TopK
	}
	if cfg.Mechanism.Seed != 0 {
		sc.Seed = int64(cfg.Mechanism.Seed)
	}
	sc.MaxTokens = cfg.Generation.MaxLength
	return sc, sc.Validate()
}

// mechanismOptions returns the options every command builds a mechanism with.
func mechanismOptions(cfg *config.Config, epsilon float64, logger *slog.Logger) []banned.Option {
	opts := []banned.Option{
		banned.WithEpsilon(epsilon),
		banned.WithLogger(logger),
	}
	if cfg.Mechanism.Seed != 0 {
		opts = append(opts, banned.WithSeed(cfg.Mechanism.Seed))
	}
	return opts
}

// parseTokenList parses "7 8" or "7,8" into token ids.
func parseTokenList(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad token id %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseTokenLists(in []string) ([][]int, error) {
	out := make([][]int, 0, len(in))
	for _, s := range in {
		row, err := parseTokenList(s)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}
