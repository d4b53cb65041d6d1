// Package config loads the JSON configuration file and applies environment
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	HTTPAddr      string `json:"http_addr"`
	MaxConcurrent int    `json:"max_concurrent"`

	TopicPrefix      string `json:"topic_prefix"`
	CollectionPrefix string `json:"collection_prefix"`

	// DeterministicFallback lets the incident agent create incidents for
	// raised detection flags the model did not act on.
	DeterministicFallback bool   `json:"deterministic_fallback"`
	SweepSchedule         string `json:"sweep_schedule"`
	VocabularyFile        string `json:"vocabulary_file"`

	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
		Project          string  `json:"project"`
		Location         string  `json:"location"`
	} `json:"llm"`
	NATS struct {
		URL string `json:"url"`
	} `json:"nats"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	ShortTerm struct {
		TTL      string `json:"ttl"`
		MaxTurns int    `json:"max_turns"`
	} `json:"short_term"`
	LongTerm struct {
		RecentLimit int `json:"recent_limit"`
	} `json:"long_term"`
	Telegram struct {
		Token   string   `json:"token"`
		Targets []string `json:"targets"`
	} `json:"telegram"`
}

// DefaultPath is $HOME/.crowdwatch/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".crowdwatch", "config.json")
}

func defaults() *Config {
	home := filepath.Join(os.Getenv("HOME"), ".crowdwatch")
	cfg := &Config{
		DataDir:       home,
		DBPath:        filepath.Join(home, "crowdwatch.db"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.LogFormat = "console"
	cfg.HTTPAddr = ":8080"
	cfg.TopicPrefix = "crowd_"
	cfg.CollectionPrefix = "crowd_agents_"
	cfg.DeterministicFallback = true
	cfg.SweepSchedule = "@every 5m"
	cfg.LLM.Provider = "gemini"
	cfg.LLM.Model = "gemini-2.0-flash"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Redis.Addr = "localhost:6379"
	cfg.ShortTerm.TTL = "600s"
	cfg.ShortTerm.MaxTurns = 10
	cfg.LongTerm.RecentLimit = 5
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	set(&cfg.TopicPrefix, "CROWDWATCH_TOPIC_PREFIX")
	set(&cfg.CollectionPrefix, "CROWDWATCH_COLLECTION_PREFIX")
	set(&cfg.ShortTerm.TTL, "CROWDWATCH_SHORT_TERM_TTL")
	set(&cfg.LLM.Model, "CROWDWATCH_LLM_MODEL")
	set(&cfg.NATS.URL, "NATS_URL")
	set(&cfg.Redis.Addr, "REDIS_ADDR")
	set(&cfg.Redis.Password, "REDIS_PASSWORD")
	set(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("CROWDWATCH_SHORT_TERM_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ShortTerm.MaxTurns = n
		}
	}

	// The key for the configured provider wins over the others.
	keys := map[string]string{
		"gemini":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	if name, ok := keys[strings.ToLower(cfg.LLM.Provider)]; ok {
		set(&cfg.LLM.APIKey, name)
	}
}

// ShortTermTTL parses the short-term TTL as plain seconds or a Go duration.
// Zero means the memory default.
func (c *Config) ShortTermTTL() (time.Duration, error) {
	v := strings.TrimSpace(c.ShortTerm.TTL)
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("short_term.ttl %q: %w", v, err)
	}
	return d, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the flattened config, with secrets masked if mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value at a dot-separated
// key. Keys written with SetValue that the Config struct does not know are
// read from the raw file.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue sets a dot-separated key in the file at path. value is stored as
// JSON when it parses (numbers, booleans), otherwise as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}
