package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix scopes the environment overrides.
	EnvPrefix = "NESTSUB_"
	// PathEnvVar names a config file when none is passed explicitly.
	PathEnvVar = "NESTSUB_CONFIG"
)

// envSections are the top-level keys whose names contain no underscore, so
// NESTSUB_AUTH_TOKEN_URL can be split into auth.token_url.
var envSections = []string{"storage", "dispatch", "auth", "clip", "transport", "http"}

// transportSections nest one level deeper under transport.
var transportSections = []string{"pubsub", "kafka", "nats"}

// Load layers defaults, an optional YAML file and NESTSUB_* environment
// variables, in that order of increasing priority, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read layers the sources like Load without validating transport settings.
func Read(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Env values arrive as strings; brokers may be comma separated.
	if raw, ok := k.Get("transport.kafka.brokers").(string); ok {
		if err := k.Set("transport.kafka.brokers", splitList(raw)); err != nil {
			return nil, fmt.Errorf("set kafka brokers: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKey maps NESTSUB_TRANSPORT_KAFKA_GROUP_ID to transport.kafka.group_id.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))

	for _, section := range envSections {
		rest, ok := strings.CutPrefix(key, section+"_")
		if !ok {
			continue
		}
		if section == "transport" {
			for _, sub := range transportSections {
				if field, ok := strings.CutPrefix(rest, sub+"_"); ok {
					return section + "." + sub + "." + field
				}
			}
		}
		return section + "." + rest
	}
	return key
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
