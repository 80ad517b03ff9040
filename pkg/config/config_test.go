package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantErr  bool
		errMsg   string
		validate func(*testing.T, *Config)
	}{
		{
			name: "full config",
			content: `
mechanism:
  epsilon: 0.25
  batch_size: 4
  seed: 42
phrases:
  file: phrases.yaml
  vocab: /vocab/tokens.txt
  variants: [lower, spaced_lower]
generation:
  preset: balanced
  max_length: 32
  eos_token: 2
store:
  driver: postgres
  url: postgres://localhost/phraseguard
server:
  listen: 127.0.0.1:9000
  step_rate: 50
debug:
  log_level: debug
  log_format: json
`,
			validate: func(t *testing.T, c *Config) {
				if c.EpsilonValue() != 0.25 {
					t.Errorf("Epsilon = %v, want 0.25", c.EpsilonValue())
				}
				if c.Mechanism.BatchSize != 4 || c.Mechanism.Seed != 42 {
					t.Errorf("Mechanism = %+v", c.Mechanism)
				}
				if !filepath.IsAbs(c.Phrases.File) || filepath.Base(c.Phrases.File) != "phrases.yaml" {
					t.Errorf("Phrases.File = %v, want an absolute path next to the config", c.Phrases.File)
				}
				if c.Phrases.Vocab != "/vocab/tokens.txt" {
					t.Errorf("Phrases.Vocab = %v", c.Phrases.Vocab)
				}
				if c.Generation.EOSToken != 2 || c.Generation.MaxLength != 32 {
					t.Errorf("Generation = %+v", c.Generation)
				}
				if c.Server.MaxSessions != 64 {
					t.Errorf("Server.MaxSessions = %v, want default 64", c.Server.MaxSessions)
				}
				if c.Server.StepRate != 50 || c.Server.StepBurst != 1 {
					t.Errorf("Server step rate = %v burst %v, want 50 burst 1", c.Server.StepRate, c.Server.StepBurst)
				}
				if c.SlogLevel() != slog.LevelDebug {
					t.Errorf("SlogLevel = %v, want debug", c.SlogLevel())
				}
			},
		},
		{
			name:    "epsilon zero is kept",
			content: "mechanism:\n  epsilon: 0\n",
			validate: func(t *testing.T, c *Config) {
				if c.EpsilonValue() != 0 {
					t.Errorf("Epsilon = %v, want 0", c.EpsilonValue())
				}
			},
		},
		{
			name:    "epsilon out of range",
			content: "mechanism:\n  epsilon: 1.5\n",
			wantErr: true,
			errMsg:  "Epsilon",
		},
		{
			name:    "epsilon not a number",
			content: "mechanism:\n  epsilon: .nan\n",
			wantErr: true,
			errMsg:  "Epsilon",
		},
		{
			name:    "negative batch size",
			content: "mechanism:\n  batch_size: -2\n",
			wantErr: true,
			errMsg:  "BatchSize",
		},
		{
			name:    "unknown variant",
			content: "phrases:\n  variants: [upper]\n",
			wantErr: true,
			errMsg:  "Variants",
		},
		{
			name:    "postgres without url",
			content: "store:\n  driver: postgres\n",
			wantErr: true,
			errMsg:  "URL",
		},
		{
			name:    "unknown store driver",
			content: "store:\n  driver: sqlite\n",
			wantErr: true,
			errMsg:  "Driver",
		},
		{
			name:    "negative step rate",
			content: "server:\n  step_rate: -1\n",
			wantErr: true,
			errMsg:  "StepRate",
		},
		{
			name:    "bad log level",
			content: "debug:\n  log_level: loud\n",
			wantErr: true,
			errMsg:  "LogLevel",
		},
		{
			name:    "malformed yaml",
			content: "mechanism: [",
			wantErr: true,
			errMsg:  "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "postgres without url" {
				t.Setenv("DATABASE_URL", "")
			}
			path := writeConfig(t, t.TempDir(), tt.content)

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load() expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Load() error = %v, want error containing %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			tt.validate(t, cfg)
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/.phraseguard.yaml")
	if err == nil {
		t.Fatal("Load() expected error for non-existent file")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() unexpected error: %v", err)
	}

	if cfg.Mechanism.BatchSize != 1 {
		t.Errorf("BatchSize = %v, want 1", cfg.Mechanism.BatchSize)
	}
	if cfg.Generation.Preset != "greedy" {
		t.Errorf("Preset = %v, want greedy", cfg.Generation.Preset)
	}
	if cfg.Generation.MaxLength != 64 {
		t.Errorf("MaxLength = %v, want 64", cfg.Generation.MaxLength)
	}
	if cfg.Generation.EOSToken != -1 {
		t.Errorf("EOSToken = %v, want -1", cfg.Generation.EOSToken)
	}
	if cfg.Debug.LogFormat != "text" {
		t.Errorf("LogFormat = %v, want text", cfg.Debug.LogFormat)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PHRASEGUARD_EPSILON", "0.5")
	t.Setenv("PHRASEGUARD_SEED", "7")
	t.Setenv("PHRASEGUARD_LOG_LEVEL", "WARN")
	t.Setenv("PHRASEGUARD_LISTEN", ":9999")
	t.Setenv("PHRASEGUARD_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://db/phraseguard")

	path := writeConfig(t, t.TempDir(), "mechanism:\n  epsilon: 0.9\n  batch_size: 3\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.EpsilonValue() != 0.5 {
		t.Errorf("Epsilon = %v, want env value 0.5", cfg.EpsilonValue())
	}
	if cfg.Mechanism.BatchSize != 3 {
		t.Errorf("BatchSize = %v, want file value 3", cfg.Mechanism.BatchSize)
	}
	if cfg.Mechanism.Seed != 7 {
		t.Errorf("Seed = %v, want 7", cfg.Mechanism.Seed)
	}
	if cfg.SlogLevel() != slog.LevelWarn {
		t.Errorf("SlogLevel = %v, want warn", cfg.SlogLevel())
	}
	if cfg.Server.Listen != ":9999" {
		t.Errorf("Listen = %v", cfg.Server.Listen)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.URL != "postgres://db/phraseguard" {
		t.Errorf("Store = %+v", cfg.Store)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("PHRASEGUARD_EPSILON", "lots")
	if _, err := Default(); err == nil {
		t.Fatal("Default() expected error for malformed PHRASEGUARD_EPSILON")
	}
}

func TestEnvOverrideNaN(t *testing.T) {
	t.Setenv("PHRASEGUARD_EPSILON", "NaN")
	_, err := Default()
	if err == nil {
		t.Fatal("Default() expected error for NaN PHRASEGUARD_EPSILON")
	}
	if !strings.Contains(err.Error(), "Epsilon") {
		t.Errorf("error = %v, want it to name Epsilon", err)
	}
}

func TestLoadDefault(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Chdir(tmpDir)

	if _, err := LoadDefault(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadDefault() error = %v, want ErrNotFound", err)
	}

	writeConfig(t, tmpDir, "mechanism:\n  batch_size: 2\n")
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() unexpected error: %v", err)
	}
	if cfg.Mechanism.BatchSize != 2 {
		t.Errorf("BatchSize = %v, want 2", cfg.Mechanism.BatchSize)
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Debug.LogFormat = "json"

	cfg.NewLogger(&buf).Info("hello", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("expected JSON log line, got %q", buf.String())
	}

	buf.Reset()
	cfg.NewLogger(&buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug line to be filtered at info level, got %q", buf.String())
	}
}
