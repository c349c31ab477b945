package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk layout. Durations are in milliseconds and zero
// values leave the defaults untouched.
type FileConfig struct {
	Gateway struct {
		Host            string `yaml:"host" toml:"host"`
		Port            int    `yaml:"port" toml:"port"`
		Token           string `yaml:"token" toml:"token"`
		DBPath          string `yaml:"db_path" toml:"db_path"`
		CacheDir        string `yaml:"cache_dir" toml:"cache_dir"`
		CacheTTLMs      int    `yaml:"cache_ttl_ms" toml:"cache_ttl_ms"`
		RateLimitMax    int    `yaml:"rate_limit" toml:"rate_limit"`
		RateLimitWindow int    `yaml:"rate_limit_window_ms" toml:"rate_limit_window_ms"`
	} `yaml:"gateway" toml:"gateway"`

	Exec struct {
		Shell          string   `yaml:"shell" toml:"shell"`
		WorkDir        string   `yaml:"workdir" toml:"workdir"`
		TimeoutMs      int      `yaml:"timeout_ms" toml:"timeout_ms"`
		MaxTimeoutMs   int      `yaml:"max_timeout_ms" toml:"max_timeout_ms"`
		KillGraceMs    int      `yaml:"kill_grace_ms" toml:"kill_grace_ms"`
		MaxOutputBytes int      `yaml:"max_output_bytes" toml:"max_output_bytes"`
		MaxCommandLen  int      `yaml:"max_command_len" toml:"max_command_len"`
		SecretEnv      []string `yaml:"secret_env" toml:"secret_env"`
		Allowlist      []string `yaml:"allowlist" toml:"allowlist"`
	} `yaml:"exec" toml:"exec"`

	Agent struct {
		Provider        string `yaml:"provider" toml:"provider"`
		Model           string `yaml:"model" toml:"model"`
		BaseURL         string `yaml:"base_url" toml:"base_url"`
		Voice           string `yaml:"voice" toml:"voice"`
		Instructions    string `yaml:"instructions" toml:"instructions"`
		GatewayURL      string `yaml:"gateway_url" toml:"gateway_url"`
		Streaming       *bool  `yaml:"streaming" toml:"streaming"`
		SendDelayMs     *int   `yaml:"send_delay_ms" toml:"send_delay_ms"`
		MaxOutputTokens int    `yaml:"max_output_tokens" toml:"max_output_tokens"`
		RemoteLog       bool   `yaml:"remote_log" toml:"remote_log"`
		MicCommand      string `yaml:"mic_command" toml:"mic_command"`
		SpeakerCommand  string `yaml:"speaker_command" toml:"speaker_command"`
		TurnDetection   string `yaml:"turn_detection" toml:"turn_detection"`
	} `yaml:"agent" toml:"agent"`
}

// LoadFile reads a YAML or TOML file (chosen by extension) on top of the defaults
func LoadFile(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := cfg.MergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile applies the non-zero fields of a config file onto c
func (c *ServerConfig) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	fc, err := parseFile(path, data)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	fc.apply(c)
	return nil
}

func parseFile(path string, data []byte) (*FileConfig, error) {
	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&fc); err != nil {
			return nil, err
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return &fc, nil
}

func (fc *FileConfig) apply(c *ServerConfig) {
	g := fc.Gateway
	setString(&c.Gateway.Host, g.Host)
	setInt(&c.Gateway.Port, g.Port)
	setString(&c.Gateway.AuthToken, g.Token)
	setString(&c.Gateway.DBPath, g.DBPath)
	setString(&c.Gateway.CacheDir, g.CacheDir)
	setMillis(&c.Gateway.CacheTTL, g.CacheTTLMs)
	setInt(&c.Gateway.RateLimitMax, g.RateLimitMax)
	setMillis(&c.Gateway.RateLimitWindow, g.RateLimitWindow)

	e := fc.Exec
	setString(&c.Exec.Shell, e.Shell)
	setString(&c.Exec.WorkDir, e.WorkDir)
	setMillis(&c.Exec.DefaultTimeout, e.TimeoutMs)
	setMillis(&c.Exec.MaxTimeout, e.MaxTimeoutMs)
	setMillis(&c.Exec.KillGrace, e.KillGraceMs)
	setInt(&c.Exec.MaxOutputBytes, e.MaxOutputBytes)
	setInt(&c.Exec.MaxCommandLen, e.MaxCommandLen)
	if len(e.SecretEnv) > 0 {
		c.Exec.SecretEnv = e.SecretEnv
	}
	if len(e.Allowlist) > 0 {
		c.Exec.Allowlist = e.Allowlist
	}

	a := fc.Agent
	setString(&c.Agent.Provider, strings.ToLower(a.Provider))
	setString(&c.Agent.Model, a.Model)
	setString(&c.Agent.BaseURL, a.BaseURL)
	setString(&c.Agent.Voice, a.Voice)
	setString(&c.Agent.Instructions, a.Instructions)
	setString(&c.Agent.GatewayURL, a.GatewayURL)
	if a.Streaming != nil {
		c.Agent.Streaming = *a.Streaming
	}
	if a.SendDelayMs != nil && *a.SendDelayMs >= 0 {
		c.Agent.SendDelay = time.Duration(*a.SendDelayMs) * time.Millisecond
	}
	setInt(&c.Agent.MaxOutputTokens, a.MaxOutputTokens)
	if a.RemoteLog {
		c.Agent.RemoteLog = true
	}
	setString(&c.Agent.MicCommand, a.MicCommand)
	setString(&c.Agent.SpeakerCommand, a.SpeakerCommand)
	setString(&c.Agent.TurnDetection, a.TurnDetection)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
