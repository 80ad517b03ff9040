package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up by LoadDefault.
const FileName = ".phraseguard.yaml"

// ErrNotFound is returned by LoadDefault when no config file exists.
var ErrNotFound = errors.New("no " + FileName + " found in current directory or home")

var validate = validator.New()

// Config represents the phraseguard configuration
type Config struct {
	Mechanism  MechanismConfig  `yaml:"mechanism"`
	Phrases    PhrasesConfig    `yaml:"phrases"`
	Generation GenerationConfig `yaml:"generation"`
	Store      StoreConfig      `yaml:"store"`
	Server     ServerConfig     `yaml:"server"`
	Debug      DebugConfig      `yaml:"debug"`
}

// MechanismConfig configures the banned phrase mechanism
type MechanismConfig struct {
	// Epsilon is the probability a completed phrase is reverted. Nil means 1.
	Epsilon   *float64 `yaml:"epsilon,omitempty" validate:"required,gte=0,lte=1"`
	BatchSize int      `yaml:"batch_size" validate:"gte=1,lte=1024"`
	// Seed for the revert gate. 0 draws from the runtime source.
	Seed uint64 `yaml:"seed,omitempty"`
}

// PhrasesConfig locates the banned phrase list and the vocabulary used to
// tokenize it
type PhrasesConfig struct {
	File     string   `yaml:"file,omitempty"`
	Vocab    string   `yaml:"vocab,omitempty"`
	Variants []string `yaml:"variants,omitempty" validate:"dive,oneof=lower title spaced_lower spaced_title"`
}

// GenerationConfig contains host loop settings
type GenerationConfig struct {
	Preset      string  `yaml:"preset" validate:"required"`
	MaxLength   int     `yaml:"max_length" validate:"gte=1"`
	MaxSteps    int     `yaml:"max_steps,omitempty" validate:"gte=0"`
	// EOSToken ends a sequence. 0 and -1 use the vocabulary's EOS token.
	EOSToken    int     `yaml:"eos_token" validate:"gte=-1"`
	Temperature float32 `yaml:"temperature,omitempty" validate:"gte=0"`
	TopK        int     `yaml:"top_k,omitempty" validate:"gte=0"`
}

// StoreConfig selects where mechanism events are persisted
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres"`
	URL    string `yaml:"url,omitempty" validate:"required_if=Driver postgres"`
}

// ServerConfig contains step server settings
type ServerConfig struct {
	Listen      string `yaml:"listen" validate:"required"`
	MaxSessions int    `yaml:"max_sessions" validate:"gte=1"`
	// StepRate caps step messages per second on one connection; 0 disables it.
	StepRate  float64 `yaml:"step_rate,omitempty" validate:"gte=0"`
	StepBurst int     `yaml:"step_burst,omitempty" validate:"gte=0"`
}

// DebugConfig contains debug settings
type DebugConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`
}

// envOverrides are the environment variables that win over the file.
// Fields are prefilled from the loaded config so unset variables keep it.
type envOverrides struct {
	Epsilon     float64 `env:"PHRASEGUARD_EPSILON"`
	Seed        uint64  `env:"PHRASEGUARD_SEED"`
	BatchSize   int     `env:"PHRASEGUARD_BATCH_SIZE"`
	PhraseFile  string  `env:"PHRASEGUARD_PHRASES"`
	Vocab       string  `env:"PHRASEGUARD_VOCAB"`
	LogLevel    string  `env:"PHRASEGUARD_LOG_LEVEL"`
	Listen      string  `env:"PHRASEGUARD_LISTEN"`
	StoreDriver string  `env:"PHRASEGUARD_STORE"`
	DatabaseURL string  `env:"DATABASE_URL"`
}

// Default returns a config with every default applied and the environment
// overrides read.
func Default() (*Config, error) {
	var c Config
	return finish(&c)
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Relative phrase and vocab paths are relative to the config file.
	dir := filepath.Dir(path)
	c.Phrases.File = resolve(dir, c.Phrases.File)
	c.Phrases.Vocab = resolve(dir, c.Phrases.Vocab)

	return finish(&c)
}

// LoadDefault attempts to load .phraseguard.yaml from current directory or home
func LoadDefault() (*Config, error) {
	// Try current directory
	if _, err := os.Stat(FileName); err == nil {
		return Load(FileName)
	}

	// Try home directory
	home, err := os.UserHomeDir()
	if err == nil {
		homePath := filepath.Join(home, FileName)
		if _, err := os.Stat(homePath); err == nil {
			return Load(homePath)
		}
	}

	return nil, ErrNotFound
}

func finish(c *Config) (*Config, error) {
	c.setDefaults()

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	// Mechanism defaults
	if c.Mechanism.Epsilon == nil {
		eps := 1.0
		c.Mechanism.Epsilon = &eps
	}
	if c.Mechanism.BatchSize == 0 {
		c.Mechanism.BatchSize = 1
	}

	// Generation defaults
	if c.Generation.Preset == "" {
		c.Generation.Preset = "greedy"
	}
	if c.Generation.MaxLength == 0 {
		c.Generation.MaxLength = 64
	}
	if c.Generation.EOSToken == 0 {
		c.Generation.EOSToken = -1
	}

	// Store defaults
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	// Server defaults
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = 64
	}
	if c.Server.StepRate > 0 && c.Server.StepBurst == 0 {
		c.Server.StepBurst = 1
	}

	// Debug defaults
	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = "info"
	}
	if c.Debug.LogFormat == "" {
		c.Debug.LogFormat = "text"
	}
}

func (c *Config) applyEnv() error {
	o := envOverrides{
		Epsilon:     *c.Mechanism.Epsilon,
		Seed:        c.Mechanism.Seed,
		BatchSize:   c.Mechanism.BatchSize,
		PhraseFile:  c.Phrases.File,
		Vocab:       c.Phrases.Vocab,
		LogLevel:    c.Debug.LogLevel,
		Listen:      c.Server.Listen,
		StoreDriver: c.Store.Driver,
		DatabaseURL: c.Store.URL,
	}
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	eps := o.Epsilon
	c.Mechanism.Epsilon = &eps
	c.Mechanism.Seed = o.Seed
	c.Mechanism.BatchSize = o.BatchSize
	c.Phrases.File = o.PhraseFile
	c.Phrases.Vocab = o.Vocab
	c.Debug.LogLevel = strings.ToLower(o.LogLevel)
	c.Server.Listen = o.Listen
	c.Store.Driver = o.StoreDriver
	c.Store.URL = o.DatabaseURL
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if e := c.Mechanism.Epsilon; e != nil && math.IsNaN(*e) {
		return errors.New("invalid config: Config.Mechanism.Epsilon is NaN")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EpsilonValue returns the configured epsilon.
func (c *Config) EpsilonValue() float64 {
	if c.Mechanism.Epsilon == nil {
		return 1
	}
	return *c.Mechanism.Epsilon
}

// SlogLevel maps the debug log level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Debug.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by the debug section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Debug.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
