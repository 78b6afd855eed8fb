package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":    {"whisper", "azure"},
	"tts":    {"elevenlabs", "coqui"},
	"scorer": {"azure"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	p := cfg.Providers
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("llm", p.LLMFallback.Name)
	validateProviderName("stt", p.STT.Name)
	validateProviderName("stt", p.STTFallback.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("scorer", p.Scorer.Name)

	if p.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if p.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if p.LLMFallback.Name != "" && p.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallback requires providers.llm"))
	}
	if p.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; tutor messages will carry no audio")
	}
	if p.Scorer.Name == "" {
		slog.Warn("providers.scorer is not configured; corrections will carry no sub-scores")
	}

	// Tutor
	if s := cfg.Tutor.SuccessScore; s < 0 || s > 100 {
		errs = append(errs, fmt.Errorf("tutor.success_score %d is out of range [0, 100]", s))
	}
	if sf := cfg.Tutor.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("tutor.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Ledger
	switch cfg.Ledger.Backend {
	case "", LedgerFile:
		if cfg.Ledger.Dir == "" {
			errs = append(errs, errors.New("ledger.dir is required for the file backend"))
		}
	case LedgerPostgres:
		if cfg.Ledger.PostgresDSN == "" {
			errs = append(errs, errors.New("ledger.postgres_dsn is required for the postgres backend"))
		}
	case LedgerSQLite:
		if cfg.Ledger.SQLitePath == "" {
			errs = append(errs, errors.New("ledger.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q is invalid; valid values: file, postgres, sqlite", cfg.Ledger.Backend))
	}

	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
