package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "CRAB_CONFIG_FILE"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	Version      int                    `yaml:"version"`
	Orchestrator fileOrchestratorConfig `yaml:"orchestrator"`
	Sandbox      fileSandboxConfig      `yaml:"sandbox"`
}

type fileOrchestratorConfig struct {
	HTTPAddr           string         `yaml:"http_addr"`
	DBDriver           string         `yaml:"db_driver"`
	DBDSN              string         `yaml:"db_dsn"`
	RPCTimeout         string         `yaml:"rpc_timeout"`
	RPCMaxAge          string         `yaml:"rpc_max_age"`
	JobWorkers         int            `yaml:"job_workers"`
	JobTimeout         string         `yaml:"job_timeout"`
	SessionQueueSize   int            `yaml:"session_queue_size"`
	MaxStepsPerTurn    int            `yaml:"max_steps_per_turn"`
	ResumeWindow       string         `yaml:"resume_window"`
	PolicyFile         string         `yaml:"policy_file"`
	ToolHosts          []fileToolHost `yaml:"tool_hosts"`
	WebhookURLs        []string       `yaml:"webhook_urls"`
	WebhookEvents      []string       `yaml:"webhook_events"`
	AnthropicAPIKey    string         `yaml:"anthropic_api_key"`
	AnthropicModel     string         `yaml:"anthropic_model"`
	AnthropicMaxTokens int            `yaml:"anthropic_max_tokens"`
	SystemPrompt       string         `yaml:"system_prompt"`
	OTLPEndpoint       string         `yaml:"otlp_endpoint"`
	OTLPInsecure       *bool          `yaml:"otlp_insecure"`
}

type fileToolHost struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type fileSandboxConfig struct {
	GatewayURL  string `yaml:"gateway_url"`
	SessionID   string `yaml:"session_id"`
	ProjectID   string `yaml:"project_id"`
	ProjectRoot string `yaml:"project_root"`
	Domain      string `yaml:"domain"`
	Identity    string `yaml:"identity"`
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	localCandidates := []string{
		filepath.Join(crabstackDirName, defaultConfigFileName),
		filepath.Join(crabstackDirName, alternateConfigFileName),
	}
	for _, candidate := range localCandidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve home directory for config lookup: %w", err)
	}
	homeCandidates := []string{
		filepath.Join(homeDir, crabstackDirName, defaultConfigFileName),
		filepath.Join(homeDir, crabstackDirName, alternateConfigFileName),
	}
	for _, candidate := range homeCandidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", false, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
