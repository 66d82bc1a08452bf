package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type envSpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var envSpecs = []envSpec{
	{
		env: "QUALIA_PROVIDER", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
	},
	{
		env: "QUALIA_FALLBACK", typ: kBool,
		apply: func(cfg *Config, v any) { cfg.LLM.Fallback = v.(bool) },
	},
	{
		env: "QUALIA_LOCAL_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.Local.BaseURL = v.(string) },
	},
	{
		env: "QUALIA_LOCAL_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.Local.Model = v.(string) },
	},
	{
		env: "QUALIA_HOSTED_BASE_URL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.Hosted.BaseURL = v.(string) },
	},
	{
		env: "QUALIA_HOSTED_API_KEY", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.Hosted.APIKey = v.(string) },
	},
	{
		env: "QUALIA_HOSTED_MODEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.LLM.Hosted.Model = v.(string) },
	},
	{
		env: "QUALIA_INPUT_PATH", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Input.Path = v.(string) },
	},
	{
		env: "QUALIA_OUTPUT_BASE", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Output.BasePath = v.(string) },
	},
	{
		env: "QUALIA_WORKERS", typ: kInt,
		apply: func(cfg *Config, v any) { cfg.Analysis.Workers = v.(int) },
	},
	{
		env: "QUALIA_LOG_LEVEL", typ: kString,
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range envSpecs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
