// Package config provides configuration types and defaults for voxbridge services
// Centralized management of all constants and default values

package config

import (
	"os"
	"path/filepath"
	"time"
)

// ===== Ports =====

const (
	// DefaultGatewayPort is the standard port for the execution gateway
	DefaultGatewayPort = 55013

	// DefaultGatewayHost binds the gateway to loopback only
	DefaultGatewayHost = "127.0.0.1"
)

// ===== Execution =====

const (
	DefaultExecTimeout = 10 * time.Second
	MaxExecTimeout     = 10 * time.Minute
	DefaultKillGrace   = 2 * time.Second

	// Per-stream capture ceiling for buffered execution
	DefaultMaxOutputBytes = 1024 * 1024 // 1MB

	// Commands longer than this are rejected before launch
	MaxCommandLen = 2000

	DefaultShell = "/bin/bash -lc"
)

// DefaultSecretEnv lists variables stripped from command environments
var DefaultSecretEnv = []string{
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"VOXBRIDGE_TOKEN",
}

// ===== Realtime =====

const (
	// Pause between the tool output and the continuation request
	DefaultSendDelay = 80 * time.Millisecond

	DefaultOpenAIRealtimeURL   = "wss://api.openai.com/v1/realtime"
	DefaultOpenAIRealtimeModel = "gpt-realtime"
	DefaultGeminiLiveModel     = "gemini-2.0-flash-live-001"
	DefaultVoice               = "verse"

	// 24kHz mono PCM16, 20ms frames
	DefaultSampleRate = 24000
	DefaultFrameBytes = 960
)

// DefaultInstructions is the session prompt sent on connect
const DefaultInstructions = "You are a helpful voice assistant with shell access on the user's machine. " +
	"Use the run_shell tool to execute commands when the user asks about files, processes or the system. " +
	"Summarize command output briefly when speaking."

// ===== Paths =====

// DefaultDataDir returns the default data directory (<binary-dir>/data)
func DefaultDataDir() string {
	if d := os.Getenv("VOXBRIDGE_DATA_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "data")
}

// DefaultDBPath returns the default run history database path
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "voxbridge.db")
}

// DefaultCacheDir returns the default result cache directory
func DefaultCacheDir() string {
	return filepath.Join(DefaultDataDir(), "cache")
}

// DefaultEnvConfigPath returns the credentials file path
func DefaultEnvConfigPath() string {
	return filepath.Join(DefaultDataDir(), "env.config")
}

// DefaultGatewayURL returns the default gateway URL
func DefaultGatewayURL() string {
	if u := os.Getenv("VOXBRIDGE_GATEWAY_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:55013"
}
