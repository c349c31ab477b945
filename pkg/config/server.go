// Package config provides configuration types for voxbridge services
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig holds all configurable Gateway parameters
type GatewayConfig struct {
	Host            string        // Host to bind (default: "127.0.0.1")
	Port            int           // Port to listen (default: 55013)
	AuthToken       string        // Bearer token; empty disables auth
	ReadTimeout     time.Duration // HTTP read timeout (default: 30s)
	WriteTimeout    time.Duration // HTTP write timeout (default: MaxExecTimeout + 30s)
	IdleTimeout     time.Duration // HTTP idle timeout (default: 120s)
	MaxBodyExec     int64         // Max body size for exec requests (default: 512KB)
	MaxBodyLog      int64         // Max body size for client logs (default: 64KB)
	DBPath          string        // Run history database path
	CacheDir        string        // Call-id result cache directory
	CacheTTL        time.Duration // Call-id result retention (default: 10m)
	RateLimitWindow time.Duration // Rate limit window (default: 1m)
	RateLimitMax    int           // Max requests per window per client (0 = unlimited)
	ConfigPath      string        // File watched for hot reload (optional)
	ReloadDebounce  time.Duration // Debounce for file changes (default: 300ms)
}

// DefaultGatewayConfig returns the default gateway configuration
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Host:            DefaultGatewayHost,
		Port:            DefaultGatewayPort,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    MaxExecTimeout + 30*time.Second,
		IdleTimeout:     120 * time.Second,
		MaxBodyExec:     512 * 1024,
		MaxBodyLog:      64 * 1024,
		DBPath:          DefaultDBPath(),
		CacheDir:        DefaultCacheDir(),
		CacheTTL:        10 * time.Minute,
		RateLimitWindow: time.Minute,
		RateLimitMax:    120,
		ReloadDebounce:  300 * time.Millisecond,
	}
}

// ExecConfig holds command executor configuration
type ExecConfig struct {
	Shell          string        // Interpreter and flag, shell-split (default: "/bin/bash -lc")
	WorkDir        string        // Default working directory (empty = process cwd)
	DefaultTimeout time.Duration // Timeout when a request has none (default: 10s)
	MaxTimeout     time.Duration // Upper bound for requested timeouts (default: 10m)
	KillGrace      time.Duration // SIGTERM to SIGKILL delay (default: 2s)
	MaxOutputBytes int           // Buffered capture ceiling per stream (default: 1MB)
	MaxCommandLen  int           // Command length ceiling (default: 2000)
	SecretEnv      []string      // Variables removed from child environments
	Allowlist      []string      // Allowed first words; empty allows everything
}

// DefaultExecConfig returns the default executor configuration
func DefaultExecConfig() *ExecConfig {
	return &ExecConfig{
		Shell:          DefaultShell,
		DefaultTimeout: DefaultExecTimeout,
		MaxTimeout:     MaxExecTimeout,
		KillGrace:      DefaultKillGrace,
		MaxOutputBytes: DefaultMaxOutputBytes,
		MaxCommandLen:  MaxCommandLen,
		SecretEnv:      append([]string(nil), DefaultSecretEnv...),
	}
}

// AgentConfig holds realtime agent bridge configuration
type AgentConfig struct {
	Provider        string        // "openai" or "gemini" (default: "openai")
	Model           string        // Realtime model name
	APIKey          string        // Provider API key
	BaseURL         string        // Realtime endpoint (openai only)
	Voice           string        // Output voice
	Instructions    string        // Session instructions
	GatewayURL      string        // Execution gateway base URL
	GatewayToken    string        // Execution gateway bearer token
	Streaming       bool          // Use the streaming exec endpoint (default: true)
	SendDelay       time.Duration // Pause between tool output and continuation (default: 80ms)
	MaxOutputTokens int           // Token budget for tool output (0 = unlimited)
	RemoteLog       bool          // Mirror diagnostics to the gateway /log sink
	MicCommand      string        // Command producing PCM16 on stdout
	SpeakerCommand  string        // Command consuming PCM16 on stdin
	SampleRate      int           // PCM sample rate (default: 24000)
	FrameBytes      int           // Bytes per microphone frame (default: 960)
	TurnDetection   string        // "server_vad", "semantic_vad" or "none" (default: "server_vad")
	VADThreshold    float64       // Server VAD threshold (default: 0.5)
	SilenceDuration time.Duration // Server VAD silence duration (default: 500ms)
}

// DefaultAgentConfig returns the default agent configuration
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Provider:        "openai",
		Model:           DefaultOpenAIRealtimeModel,
		BaseURL:         DefaultOpenAIRealtimeURL,
		Voice:           DefaultVoice,
		Instructions:    DefaultInstructions,
		GatewayURL:      DefaultGatewayURL(),
		Streaming:       true,
		SendDelay:       DefaultSendDelay,
		SampleRate:      DefaultSampleRate,
		FrameBytes:      DefaultFrameBytes,
		TurnDetection:   "server_vad",
		VADThreshold:    0.5,
		SilenceDuration: 500 * time.Millisecond,
	}
}

// ServerConfig combines all configurations
type ServerConfig struct {
	Gateway *GatewayConfig
	Exec    *ExecConfig
	Agent   *AgentConfig
}

// DefaultServerConfig returns a complete default configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Gateway: DefaultGatewayConfig(),
		Exec:    DefaultExecConfig(),
		Agent:   DefaultAgentConfig(),
	}
}

// LoadFromEnv overrides configuration with environment variables
func (c *ServerConfig) LoadFromEnv(prefix string) {
	// Gateway overrides
	if v := getEnv(prefix + "PORT"); v != "" {
		c.Gateway.Port = parseInt(v, c.Gateway.Port)
	}
	if v := getEnv(prefix + "HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := getEnv(prefix + "TOKEN"); v != "" {
		c.Gateway.AuthToken = v
		c.Agent.GatewayToken = v
	}
	if v := getEnv(prefix + "DB_PATH"); v != "" {
		c.Gateway.DBPath = v
	}
	if v := getEnv(prefix + "CACHE_DIR"); v != "" {
		c.Gateway.CacheDir = v
	}
	if v := getEnv(prefix + "RATE_LIMIT"); v != "" {
		c.Gateway.RateLimitMax = parseInt(v, c.Gateway.RateLimitMax)
	}

	// Exec overrides
	if v := getEnv(prefix + "SHELL"); v != "" {
		c.Exec.Shell = v
	}
	if v := getEnv(prefix + "WORKDIR"); v != "" {
		c.Exec.WorkDir = v
	}
	if v := getEnv(prefix + "TIMEOUT_MS"); v != "" {
		c.Exec.DefaultTimeout = parseMillis(v, c.Exec.DefaultTimeout)
	}
	if v := getEnv(prefix + "MAX_OUTPUT_BYTES"); v != "" {
		c.Exec.MaxOutputBytes = parseInt(v, c.Exec.MaxOutputBytes)
	}
	if v := getEnv(prefix + "ALLOWLIST"); v != "" {
		c.Exec.Allowlist = splitList(v)
	}

	// Agent overrides
	if v := getEnv(prefix + "PROVIDER"); v != "" {
		c.Agent.Provider = strings.ToLower(v)
	}
	if v := getEnv(prefix + "MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := getEnv(prefix + "API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := getEnv(prefix + "BASE_URL"); v != "" {
		c.Agent.BaseURL = v
	}
	if v := getEnv(prefix + "VOICE"); v != "" {
		c.Agent.Voice = v
	}
	if v := getEnv(prefix + "GATEWAY_URL"); v != "" {
		c.Agent.GatewayURL = v
	}
	if v := getEnv(prefix + "SEND_DELAY_MS"); v != "" {
		c.Agent.SendDelay = parseMillis(v, c.Agent.SendDelay)
	}
	if v := getEnv(prefix + "MIC_COMMAND"); v != "" {
		c.Agent.MicCommand = v
	}
	if v := getEnv(prefix + "SPEAKER_COMMAND"); v != "" {
		c.Agent.SpeakerCommand = v
	}
}

// Helper functions
func getEnv(key string) string {
	return os.Getenv(key)
}

func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return n
}

func parseMillis(s string, defaultVal time.Duration) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
