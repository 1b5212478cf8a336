package config

import (
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
	"llm": {"anyllm", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
}

// Default session deadlines, per spec.md §5.
const (
	defaultIdleLimitSeconds             = 120
	defaultTurnDeadlineSeconds          = 120
	defaultTurnToolDeadlineSeconds      = 90
	defaultChecklistJoinDeadlineSeconds = 120
	defaultLLMTimeoutSeconds            = 30
	defaultFinalizeDeadlineSeconds      = 30
	defaultLogRoot                      = "./logs"
)

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config]. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued session deadlines with the documented
// defaults from spec.md §5.
func applyDefaults(cfg *Config) {
	s := &cfg.Session
	if s.IdleLimitSeconds == 0 {
		s.IdleLimitSeconds = defaultIdleLimitSeconds
	}
	if s.TurnDeadlineSeconds == 0 {
		s.TurnDeadlineSeconds = defaultTurnDeadlineSeconds
	}
	if s.TurnToolDeadlineSeconds == 0 {
		s.TurnToolDeadlineSeconds = defaultTurnToolDeadlineSeconds
	}
	if s.ChecklistJoinDeadlineSeconds == 0 {
		s.ChecklistJoinDeadlineSeconds = defaultChecklistJoinDeadlineSeconds
	}
	if s.LLMTimeoutSeconds == 0 {
		s.LLMTimeoutSeconds = defaultLLMTimeoutSeconds
	}
	if s.FinalizeDeadlineSeconds == 0 {
		s.FinalizeDeadlineSeconds = defaultFinalizeDeadlineSeconds
	}
	if s.LogRoot == "" {
		s.LogRoot = defaultLogRoot
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogLevelInfo
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFallback.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}

	if cfg.Session.IdleLimitSeconds <= 0 {
		errs = append(errs, errors.New("session.idle_limit_seconds must be positive"))
	}
	if cfg.Session.TurnDeadlineSeconds <= 0 {
		errs = append(errs, errors.New("session.turn_deadline_seconds must be positive"))
	}

	if cfg.Cache.Addr == "" {
		slog.Warn("cache.addr is empty; tool results will never be cached, only latency is affected")
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
