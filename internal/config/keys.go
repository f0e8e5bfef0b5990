package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CURATOR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CURATOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.media_dir", typ: kString, env: "CURATOR_STORAGE_MEDIA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.MediaDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.mediaRoot() },
	},
	{
		key: "social.base_url", typ: kString, env: "CURATOR_SOCIAL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Social.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Social.BaseURL },
	},
	{
		key: "social.username", typ: kString, env: "CURATOR_SOCIAL_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.Social.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.Social.Username },
	},
	{
		key: "social.password", typ: kString, env: "CURATOR_SOCIAL_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Social.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Social.Password },
	},
	{
		key: "discovery.hashtags", typ: kList, env: "CURATOR_DISCOVERY_HASHTAGS",
		apply:   func(cfg *Config, v any) { cfg.Discovery.Hashtags = v.([]string) },
		extract: func(cfg Config) any { return cfg.Discovery.Hashtags },
	},
	{
		key: "discovery.locations", typ: kList, env: "CURATOR_DISCOVERY_LOCATIONS",
		apply:   func(cfg *Config, v any) { cfg.Discovery.Locations = v.([]string) },
		extract: func(cfg Config) any { return cfg.Discovery.Locations },
	},
	{
		key: "discovery.min_followers", typ: kInt, env: "CURATOR_DISCOVERY_MIN_FOLLOWERS",
		apply:   func(cfg *Config, v any) { cfg.Discovery.MinFollowers = v.(int) },
		extract: func(cfg Config) any { return cfg.Discovery.MinFollowers },
	},
	{
		key: "discovery.min_engagement", typ: kFloat, env: "CURATOR_DISCOVERY_MIN_ENGAGEMENT",
		apply:   func(cfg *Config, v any) { cfg.Discovery.MinEngagement = v.(float64) },
		extract: func(cfg Config) any { return cfg.Discovery.MinEngagement },
	},
	{
		key: "discovery.max_per_tag", typ: kInt, env: "CURATOR_DISCOVERY_MAX_PER_TAG",
		apply:   func(cfg *Config, v any) { cfg.Discovery.MaxPerTag = v.(int) },
		extract: func(cfg Config) any { return cfg.Discovery.MaxPerTag },
	},
	{
		key: "discovery.scan_interval", typ: kDuration, env: "CURATOR_DISCOVERY_SCAN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Discovery.ScanInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Discovery.ScanInterval },
	},
	{
		key: "discovery.delay_min", typ: kDuration, env: "CURATOR_DISCOVERY_DELAY_MIN",
		apply:   func(cfg *Config, v any) { cfg.Discovery.DelayMin = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Discovery.DelayMin },
	},
	{
		key: "discovery.delay_max", typ: kDuration, env: "CURATOR_DISCOVERY_DELAY_MAX",
		apply:   func(cfg *Config, v any) { cfg.Discovery.DelayMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Discovery.DelayMax },
	},
	{
		key: "discovery.run_timeout", typ: kDuration, env: "CURATOR_DISCOVERY_RUN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Discovery.RunTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Discovery.RunTimeout },
	},
	{
		key: "publish.daily_limit", typ: kInt, env: "CURATOR_PUBLISH_DAILY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Publish.DailyLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Publish.DailyLimit },
	},
	{
		key: "publish.auto_approve", typ: kBool, env: "CURATOR_PUBLISH_AUTO_APPROVE",
		apply:   func(cfg *Config, v any) { cfg.Publish.AutoApprove = v.(bool) },
		extract: func(cfg Config) any { return cfg.Publish.AutoApprove },
	},
	{
		key: "publish.render", typ: kBool, env: "CURATOR_PUBLISH_RENDER",
		apply:   func(cfg *Config, v any) { cfg.Publish.Render = v.(bool) },
		extract: func(cfg Config) any { return cfg.Publish.Render },
	},
	{
		key: "render.ffmpeg_path", typ: kString, env: "CURATOR_RENDER_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Render.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Render.FFmpegPath },
	},
	{
		key: "render.font_file", typ: kString, env: "CURATOR_RENDER_FONT_FILE",
		apply:   func(cfg *Config, v any) { cfg.Render.FontFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Render.FontFile },
	},
	{
		key: "log.level", typ: kString, env: "CURATOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "CURATOR_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parseValue converts raw into the Go type for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return SplitList(raw), nil
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

// SplitList parses a comma-separated list, trimming blanks and a leading '#'.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimPrefix(strings.TrimSpace(part), "#")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
