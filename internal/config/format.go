package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// Format names a config file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the syntax from the file extension; unknown means JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// toJSON converts YAML or TOML input to JSON so every format goes through
// the same strict decoder.
func toJSON(format Format, data []byte) ([]byte, error) {
	var v any
	switch format {
	case FormatJSON:
		return data, nil
	case FormatYAML:
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	case FormatTOML:
		m := map[string]any{}
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("toml decode: %w", err)
		}
		v = m
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	j, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, nil
}

// normalize makes decoded trees JSON-marshalable: YAML may produce
// map[any]any and TOML produces []map[string]any for table arrays.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalize(x[i])
		}
		return out
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return in
	}
}

// Environment overrides for secrets that should stay out of config files.
const (
	EnvTelegramToken = "WORLDWATCH_TELEGRAM_TOKEN"
	EnvPostgresDSN   = "WORLDWATCH_POSTGRES_DSN"
	EnvRedisURL      = "WORLDWATCH_REDIS_URL"
	EnvIngestToken   = "WORLDWATCH_INGEST_TOKEN"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Emitter.Telegram.Token, EnvTelegramToken)
	set(&cfg.Subscriptions.DSN, EnvPostgresDSN)
	set(&cfg.Storage.URL, EnvRedisURL)
	set(&cfg.HTTP.IngestToken, EnvIngestToken)
}
