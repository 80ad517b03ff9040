package logits

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
)

// ErrInvalidSamplerConfig is returned by SamplerConfig.Validate.
var ErrInvalidSamplerConfig = errors.New("invalid sampler config")

// SamplerConfig selects how the emitted token is drawn from a ranking, plus
// the score filters that run before ranking.
type SamplerConfig struct {
	// Temperature 0 is greedy decoding.
	Temperature float32 `json:"temperature" yaml:"temperature"`
	// TopK keeps the K best-ranked tokens; 0 keeps all of them.
	TopK int `json:"top_k" yaml:"top_k"`
	// TopP keeps the smallest prefix of the ranking whose probability mass
	// reaches P; 0 or 1 disables it.
	TopP float32 `json:"top_p" yaml:"top_p"`

	RepetitionPenalty float32         `json:"repetition_penalty" yaml:"repetition_penalty"`
	RepetitionWindow  int             `json:"repetition_window" yaml:"repetition_window"`
	LogitBias         map[int]float32 `json:"logit_bias,omitempty" yaml:"logit_bias,omitempty"`

	// Seed makes sampling reproducible; negative draws a random seed.
	Seed int64 `json:"seed" yaml:"seed"`
	// MaxTokens caps generated tokens per sequence.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
}

// DefaultSamplerConfig returns the balanced preset.
func DefaultSamplerConfig() *SamplerConfig {
	return &SamplerConfig{
		Temperature:       0.7,
		TopK:              40,
		TopP:              0.95,
		RepetitionPenalty: 1.1,
		RepetitionWindow:  64,
		Seed:              -1,
		MaxTokens:         256,
	}
}

// Validate reports every out-of-range field at once.
func (c *SamplerConfig) Validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidSamplerConfig, msg))
		}
	}
	check(c.Temperature < 0, "temperature must be >= 0")
	check(c.TopK < 0, "top_k must be >= 0")
	check(c.TopP < 0 || c.TopP > 1, "top_p must be in [0, 1]")
	check(c.RepetitionPenalty < 0, "repetition_penalty must be >= 0")
	check(c.RepetitionWindow < 0, "repetition_window must be >= 0")
	check(c.MaxTokens < 0, "max_tokens must be >= 0")
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (c *SamplerConfig) Clone() *SamplerConfig {
	out := *c
	out.LogitBias = maps.Clone(c.LogitBias)
	return &out
}

// Filters returns the chain implied by the bias and penalty fields. It is
// empty when neither is set.
func (c *SamplerConfig) Filters() *FilterChain {
	b := NewChainBuilder()
	if len(c.LogitBias) > 0 {
		b.WithLogitBias(c.LogitBias)
	}
	if c.RepetitionPenalty > 0 && c.RepetitionPenalty != 1 {
		b.WithRepetitionPenalty(c.RepetitionPenalty, c.RepetitionWindow)
	}
	return b.Build()
}

// Sampler picks the emitted token for one sequence. It is safe for
// concurrent use.
type Sampler struct {
	cfg *SamplerConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler validates cfg and seeds the sampler from it. A nil cfg uses
// DefaultSamplerConfig.
func NewSampler(cfg *SamplerConfig) (*Sampler, error) {
	if cfg == nil {
		cfg = DefaultSamplerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seed := uint64(cfg.Seed)
	if cfg.Seed < 0 {
		seed = rand.Uint64()
	}
	return &Sampler{
		cfg: cfg.Clone(),
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Config returns a copy of the sampler's configuration.
func (s *Sampler) Config() *SamplerConfig { return s.cfg.Clone() }

// Sample draws a token from ranking, which must come from RankCandidates
// over scores. Banned tokens are only returned when nothing else is left.
// An empty ranking yields -1.
func (s *Sampler) Sample(scores []float32, ranking []int) int {
	if len(ranking) == 0 {
		return -1
	}
	if s.cfg.Temperature == 0 {
		return ranking[0]
	}

	weights := s.weigh(scores, ranking)
	if len(weights) == 0 {
		return ranking[0]
	}

	var total float64
	for _, w := range weights {
		total += w
	}

	s.mu.Lock()
	r := s.rng.Float64() * total
	s.mu.Unlock()

	for i, w := range weights {
		if r < w {
			return ranking[i]
		}
		r -= w
	}
	return ranking[len(weights)-1]
}

// weigh returns softmax weights for the head of ranking that survives
// top-k, banning and top-p. weights[i] belongs to ranking[i].
func (s *Sampler) weigh(scores []float32, ranking []int) []float64 {
	n := len(ranking)
	if s.cfg.TopK > 0 {
		n = min(n, s.cfg.TopK)
	}

	best := float64(scores[ranking[0]])
	if math.IsInf(best, -1) {
		return nil
	}
	temp := float64(s.cfg.Temperature)

	weights := make([]float64, 0, n)
	var total float64
	for _, id := range ranking[:n] {
		sc := float64(scores[id])
		if math.IsInf(sc, -1) {
			// The ranking is descending, so every later token is banned too.
			break
		}
		w := math.Exp((sc - best) / temp)
		weights = append(weights, w)
		total += w
	}

	if p := float64(s.cfg.TopP); p > 0 && p < 1 {
		var mass float64
		for i, w := range weights {
			mass += w / total
			if mass >= p {
				return weights[:i+1]
			}
		}
	}
	return weights
}

// GenerationPreset is a named sampler configuration.
type GenerationPreset struct {
	Name        string
	Description string
	Config      *SamplerConfig
}

func (p *GenerationPreset) clone() *GenerationPreset {
	out := *p
	out.Config = p.Config.Clone()
	return &out
}

// GreedyConfig always emits the best-ranked token.
var GreedyConfig = &SamplerConfig{Seed: -1, MaxTokens: 256}

var (
	presetsMu sync.RWMutex
	presets   = map[string]*GenerationPreset{
		"greedy": {
			Name:        "greedy",
			Description: "Deterministic best-token decoding",
			Config:      GreedyConfig,
		},
		"balanced": {
			Name:        "balanced",
			Description: "Moderate temperature with top-k and top-p",
			Config:      DefaultSamplerConfig(),
		},
		"creative": {
			Name:        "creative",
			Description: "High temperature over a wide candidate pool",
			Config: &SamplerConfig{
				Temperature:       1.0,
				TopK:              100,
				TopP:              0.98,
				RepetitionPenalty: 1.05,
				RepetitionWindow:  128,
				Seed:              -1,
				MaxTokens:         512,
			},
		},
	}
)

// GetPreset returns a copy of the named preset, or nil.
func GetPreset(name string) *GenerationPreset {
	presetsMu.RLock()
	defer presetsMu.RUnlock()
	if p, ok := presets[name]; ok {
		return p.clone()
	}
	return nil
}

// RegisterPreset adds or replaces a preset.
func RegisterPreset(p *GenerationPreset) {
	presetsMu.Lock()
	defer presetsMu.Unlock()
	presets[p.Name] = p.clone()
}

// ListPresets returns the preset names in order.
func ListPresets() []string {
	presetsMu.RLock()
	defer presetsMu.RUnlock()
	return slices.Sorted(maps.Keys(presets))
}
