package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the configuration surface recognized by the pipeline, loaded
// from YAML with defaults pre-populated. A missing file is not an error —
// the zero-value Config (after applying defaults) is used.
type Config struct {
	Decrypter       bool    `yaml:"decrypter"`
	EnableBackport  bool    `yaml:"enable_backport"`
	BackportLevel   int     `yaml:"backport_level"`
	MinPS5SDK       *uint32 `yaml:"min_ps5_sdk_version"`
	MinPS4SDK       *uint32 `yaml:"min_ps4_sdk_version"`
	EnableLogging   bool    `yaml:"enable_logging"`
	EnableRewrap    bool    `yaml:"enable_rewrap"`
	LogPath         string  `yaml:"log_path"`
}

// DefaultConfig matches the default column of the configuration surface
// table.
func DefaultConfig() Config {
	return Config{
		Decrypter:      true,
		EnableBackport: true,
		BackportLevel:  defaultBackportLevel,
		EnableLogging:  true,
		EnableRewrap:   false,
		LogPath:        "selfdump.log",
	}
}

// LoadConfig reads path as YAML over the defaults. A non-existent file
// returns the defaults with no error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errIO(path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errInternal(path, err)
	}
	return cfg, nil
}

// SDKTargets resolves the configured override/level precedence into a
// concrete SDKTargets pair.
func (c Config) SDKTargets() SDKTargets {
	return ResolveSDKTargets(c.BackportLevel, c.MinPS5SDK, c.MinPS4SDK)
}
