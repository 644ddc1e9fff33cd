// Package config loads gate configuration from environment variables.
package config

import "os"

// Config holds the gate server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DataDir      string
	PolicyPath   string
	AuthSecret   string
	PromptMode   string
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	port := os.Getenv("GATE_PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("GATE_DATA_DIR")
	if dataDir == "" {
		dataDir = ".tracegate"
	}

	policyPath := os.Getenv("GATE_POLICY")
	if policyPath == "" {
		policyPath = "policy.yaml"
	}

	promptMode := os.Getenv("GATE_PROMPT_MODE")
	if promptMode == "" {
		promptMode = "replay"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DataDir:      dataDir,
		PolicyPath:   policyPath,
		AuthSecret:   os.Getenv("GATE_AUTH_SECRET"),
		PromptMode:   promptMode,
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}
