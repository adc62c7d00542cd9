package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvSandboxGatewayURL  = "CRAB_ORCHESTRATOR_SANDBOX_GATEWAY_URL"
	EnvSandboxSessionID   = "CRAB_ORCHESTRATOR_SANDBOX_SESSION_ID"
	EnvSandboxProjectID   = "CRAB_ORCHESTRATOR_SANDBOX_PROJECT_ID"
	EnvSandboxProjectRoot = "CRAB_ORCHESTRATOR_SANDBOX_PROJECT_ROOT"
	EnvSandboxDomain      = "CRAB_ORCHESTRATOR_SANDBOX_DOMAIN"
	EnvSandboxIdentity    = "CRAB_ORCHESTRATOR_SANDBOX_IDENTITY"
)

const DefaultSandboxGatewayURL = "ws://127.0.0.1:8090/v1/sessions/ws"

type SandboxConfig struct {
	GatewayURL  string
	SessionID   string
	ProjectID   string
	ProjectRoot string
	Domain      string
	Identity    string
}

func SandboxFromYAMLAndEnv() (SandboxConfig, error) {
	cfg := SandboxConfig{GatewayURL: DefaultSandboxGatewayURL}

	fileCfg, err := loadFileConfig()
	if err != nil {
		return SandboxConfig{}, err
	}
	source := fileCfg.Sandbox
	if value := strings.TrimSpace(source.GatewayURL); value != "" {
		cfg.GatewayURL = value
	}
	if value := strings.TrimSpace(source.SessionID); value != "" {
		cfg.SessionID = value
	}
	if value := strings.TrimSpace(source.ProjectID); value != "" {
		cfg.ProjectID = value
	}
	if value := strings.TrimSpace(source.ProjectRoot); value != "" {
		cfg.ProjectRoot = value
	}
	if value := strings.TrimSpace(source.Domain); value != "" {
		cfg.Domain = value
	}
	if value := strings.TrimSpace(source.Identity); value != "" {
		cfg.Identity = value
	}

	cfg.GatewayURL = EnvOrDefault(EnvSandboxGatewayURL, cfg.GatewayURL)
	cfg.SessionID = EnvOrDefault(EnvSandboxSessionID, cfg.SessionID)
	cfg.ProjectID = EnvOrDefault(EnvSandboxProjectID, cfg.ProjectID)
	cfg.ProjectRoot = EnvOrDefault(EnvSandboxProjectRoot, cfg.ProjectRoot)
	cfg.Domain = EnvOrDefault(EnvSandboxDomain, cfg.Domain)
	cfg.Identity = EnvOrDefault(EnvSandboxIdentity, cfg.Identity)

	if cfg.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return SandboxConfig{}, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.ProjectRoot = wd
	}
	expanded, err := expandPath(cfg.ProjectRoot)
	if err != nil {
		return SandboxConfig{}, fmt.Errorf("resolve %s: %w", EnvSandboxProjectRoot, err)
	}
	if cfg.ProjectRoot, err = filepath.Abs(expanded); err != nil {
		return SandboxConfig{}, fmt.Errorf("resolve %s: %w", EnvSandboxProjectRoot, err)
	}
	return cfg, nil
}

func (c SandboxConfig) Validate() error {
	if err := validateURL(c.GatewayURL, "ws", "wss"); err != nil {
		return fmt.Errorf("%s: %w", EnvSandboxGatewayURL, err)
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("%s must not be empty", EnvSandboxSessionID)
	}
	if !filepath.IsAbs(c.ProjectRoot) {
		return fmt.Errorf("%s must be an absolute path", EnvSandboxProjectRoot)
	}
	return nil
}
