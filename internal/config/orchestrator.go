package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

const (
	EnvOrchestratorHTTPAddr           = "CRAB_ORCHESTRATOR_HTTP_ADDR"
	EnvOrchestratorDBDriver           = "CRAB_ORCHESTRATOR_DB_DRIVER"
	EnvOrchestratorDBDSN              = "CRAB_ORCHESTRATOR_DB_DSN"
	EnvOrchestratorRPCTimeout         = "CRAB_ORCHESTRATOR_RPC_TIMEOUT"
	EnvOrchestratorRPCMaxAge          = "CRAB_ORCHESTRATOR_RPC_MAX_AGE"
	EnvOrchestratorJobWorkers         = "CRAB_ORCHESTRATOR_JOB_WORKERS"
	EnvOrchestratorJobTimeout         = "CRAB_ORCHESTRATOR_JOB_TIMEOUT"
	EnvOrchestratorSessionQueueSize   = "CRAB_ORCHESTRATOR_SESSION_QUEUE_SIZE"
	EnvOrchestratorMaxStepsPerTurn    = "CRAB_ORCHESTRATOR_MAX_STEPS_PER_TURN"
	EnvOrchestratorResumeWindow       = "CRAB_ORCHESTRATOR_RESUME_WINDOW"
	EnvOrchestratorPolicyFile         = "CRAB_ORCHESTRATOR_POLICY_FILE"
	EnvOrchestratorToolHosts          = "CRAB_ORCHESTRATOR_TOOL_HOSTS"
	EnvOrchestratorWebhookURLs        = "CRAB_ORCHESTRATOR_WEBHOOK_URLS"
	EnvOrchestratorWebhookEvents      = "CRAB_ORCHESTRATOR_WEBHOOK_EVENTS"
	EnvOrchestratorAnthropicModel     = "CRAB_ORCHESTRATOR_ANTHROPIC_MODEL"
	EnvOrchestratorAnthropicMaxTokens = "CRAB_ORCHESTRATOR_ANTHROPIC_MAX_TOKENS"
	EnvOrchestratorSystemPrompt       = "CRAB_ORCHESTRATOR_SYSTEM_PROMPT"
	EnvOrchestratorOTLPEndpoint       = "CRAB_ORCHESTRATOR_OTLP_ENDPOINT"
	EnvOrchestratorOTLPInsecure       = "CRAB_ORCHESTRATOR_OTLP_INSECURE"
	EnvAnthropicAPIKey                = "ANTHROPIC_API_KEY"
)

const (
	DefaultOrchestratorHTTPAddr         = ":8090"
	DefaultOrchestratorDBDriver         = "sqlite"
	DefaultOrchestratorDBDSN            = ".crabstack/orchestrator.db"
	DefaultOrchestratorRPCTimeout       = 30 * time.Second
	DefaultOrchestratorRPCMaxAge        = 300 * time.Second
	DefaultOrchestratorJobWorkers       = 4
	DefaultOrchestratorJobTimeout       = 30 * time.Second
	DefaultOrchestratorSessionQueueSize = 64
	DefaultOrchestratorMaxStepsPerTurn  = 10
	DefaultOrchestratorResumeWindow     = 30 * time.Minute
	DefaultOrchestratorAnthropicModel   = "claude-sonnet-4-20250514"
	DefaultOrchestratorMaxTokens        = 4096
)

// ToolHost is a remote tool host serving non-local methods.
type ToolHost struct {
	Name string
	URL  string
}

type OrchestratorConfig struct {
	HTTPAddr           string
	DBDriver           string
	DBDSN              string
	RPCTimeout         time.Duration
	RPCMaxAge          time.Duration
	JobWorkers         int
	JobTimeout         time.Duration
	SessionQueueSize   int
	MaxStepsPerTurn    int
	ResumeWindow       time.Duration
	PolicyFile         string
	ToolHosts          []ToolHost
	WebhookURLs        []string
	WebhookEvents      []string
	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int
	SystemPrompt       string
	OTLPEndpoint       string
	OTLPInsecure       bool
}

func OrchestratorFromYAMLAndEnv() (OrchestratorConfig, error) {
	cfg := defaultOrchestratorConfig()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return OrchestratorConfig{}, err
	}
	if err := applyOrchestratorYAML(&cfg, fileCfg.Orchestrator); err != nil {
		return OrchestratorConfig{}, err
	}
	if err := applyOrchestratorEnv(&cfg); err != nil {
		return OrchestratorConfig{}, err
	}
	return cfg, nil
}

func defaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		HTTPAddr:           DefaultOrchestratorHTTPAddr,
		DBDriver:           DefaultOrchestratorDBDriver,
		DBDSN:              ResolveCrabstackPath(DefaultOrchestratorDBDSN),
		RPCTimeout:         DefaultOrchestratorRPCTimeout,
		RPCMaxAge:          DefaultOrchestratorRPCMaxAge,
		JobWorkers:         DefaultOrchestratorJobWorkers,
		JobTimeout:         DefaultOrchestratorJobTimeout,
		SessionQueueSize:   DefaultOrchestratorSessionQueueSize,
		MaxStepsPerTurn:    DefaultOrchestratorMaxStepsPerTurn,
		ResumeWindow:       DefaultOrchestratorResumeWindow,
		AnthropicModel:     DefaultOrchestratorAnthropicModel,
		AnthropicMaxTokens: DefaultOrchestratorMaxTokens,
	}
}

func applyOrchestratorYAML(cfg *OrchestratorConfig, source fileOrchestratorConfig) error {
	if value := strings.TrimSpace(source.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.DBDSN); value != "" {
		cfg.DBDSN = resolveDSN(cfg.DBDriver, value)
	}

	var err error
	if cfg.RPCTimeout, err = parseOptionalDuration(source.RPCTimeout, cfg.RPCTimeout, "orchestrator.rpc_timeout"); err != nil {
		return err
	}
	if cfg.RPCMaxAge, err = parseOptionalDuration(source.RPCMaxAge, cfg.RPCMaxAge, "orchestrator.rpc_max_age"); err != nil {
		return err
	}
	if cfg.JobTimeout, err = parseOptionalDuration(source.JobTimeout, cfg.JobTimeout, "orchestrator.job_timeout"); err != nil {
		return err
	}
	if cfg.ResumeWindow, err = parseOptionalDuration(source.ResumeWindow, cfg.ResumeWindow, "orchestrator.resume_window"); err != nil {
		return err
	}
	if source.JobWorkers != 0 {
		cfg.JobWorkers = source.JobWorkers
	}
	if source.SessionQueueSize != 0 {
		cfg.SessionQueueSize = source.SessionQueueSize
	}
	if source.MaxStepsPerTurn != 0 {
		cfg.MaxStepsPerTurn = source.MaxStepsPerTurn
	}
	if value := strings.TrimSpace(source.PolicyFile); value != "" {
		cfg.PolicyFile = ResolveCrabstackPath(value)
	}
	if len(source.ToolHosts) > 0 {
		cfg.ToolHosts = cfg.ToolHosts[:0]
		for _, host := range source.ToolHosts {
			cfg.ToolHosts = append(cfg.ToolHosts, ToolHost{Name: strings.TrimSpace(host.Name), URL: strings.TrimSpace(host.URL)})
		}
	}
	if len(source.WebhookURLs) > 0 {
		cfg.WebhookURLs = nil
		for _, raw := range source.WebhookURLs {
			if value := strings.TrimSpace(raw); value != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, value)
			}
		}
	}
	if len(source.WebhookEvents) > 0 {
		cfg.WebhookEvents = nil
		for _, raw := range source.WebhookEvents {
			if value := strings.TrimSpace(raw); value != "" {
				cfg.WebhookEvents = append(cfg.WebhookEvents, value)
			}
		}
	}
	if value := strings.TrimSpace(source.AnthropicAPIKey); value != "" {
		cfg.AnthropicAPIKey = value
	}
	if value := strings.TrimSpace(source.AnthropicModel); value != "" {
		cfg.AnthropicModel = value
	}
	if source.AnthropicMaxTokens != 0 {
		cfg.AnthropicMaxTokens = source.AnthropicMaxTokens
	}
	if value := strings.TrimSpace(source.SystemPrompt); value != "" {
		cfg.SystemPrompt = value
	}
	if value := strings.TrimSpace(source.OTLPEndpoint); value != "" {
		cfg.OTLPEndpoint = value
	}
	if source.OTLPInsecure != nil {
		cfg.OTLPInsecure = *source.OTLPInsecure
	}
	return nil
}

func applyOrchestratorEnv(cfg *OrchestratorConfig) error {
	cfg.HTTPAddr = EnvOrDefault(EnvOrchestratorHTTPAddr, cfg.HTTPAddr)
	cfg.DBDriver = strings.ToLower(EnvOrDefault(EnvOrchestratorDBDriver, cfg.DBDriver))
	if value := EnvString(EnvOrchestratorDBDSN); value != "" {
		cfg.DBDSN = resolveDSN(cfg.DBDriver, value)
	}

	var err error
	if cfg.RPCTimeout, err = parseOptionalDuration(EnvString(EnvOrchestratorRPCTimeout), cfg.RPCTimeout, EnvOrchestratorRPCTimeout); err != nil {
		return err
	}
	if cfg.RPCMaxAge, err = parseOptionalDuration(EnvString(EnvOrchestratorRPCMaxAge), cfg.RPCMaxAge, EnvOrchestratorRPCMaxAge); err != nil {
		return err
	}
	if cfg.JobTimeout, err = parseOptionalDuration(EnvString(EnvOrchestratorJobTimeout), cfg.JobTimeout, EnvOrchestratorJobTimeout); err != nil {
		return err
	}
	if cfg.ResumeWindow, err = parseOptionalDuration(EnvString(EnvOrchestratorResumeWindow), cfg.ResumeWindow, EnvOrchestratorResumeWindow); err != nil {
		return err
	}
	if cfg.JobWorkers, err = parseOptionalPositiveInt(EnvString(EnvOrchestratorJobWorkers), cfg.JobWorkers, EnvOrchestratorJobWorkers); err != nil {
		return err
	}
	if cfg.SessionQueueSize, err = parseOptionalPositiveInt(EnvString(EnvOrchestratorSessionQueueSize), cfg.SessionQueueSize, EnvOrchestratorSessionQueueSize); err != nil {
		return err
	}
	if cfg.MaxStepsPerTurn, err = parseOptionalPositiveInt(EnvString(EnvOrchestratorMaxStepsPerTurn), cfg.MaxStepsPerTurn, EnvOrchestratorMaxStepsPerTurn); err != nil {
		return err
	}
	if cfg.AnthropicMaxTokens, err = parseOptionalPositiveInt(EnvString(EnvOrchestratorAnthropicMaxTokens), cfg.AnthropicMaxTokens, EnvOrchestratorAnthropicMaxTokens); err != nil {
		return err
	}

	if value := EnvString(EnvOrchestratorPolicyFile); value != "" {
		cfg.PolicyFile = ResolveCrabstackPath(value)
	}
	if raw := EnvString(EnvOrchestratorToolHosts); raw != "" {
		hosts, err := parseToolHosts(raw)
		if err != nil {
			return err
		}
		cfg.ToolHosts = hosts
	}
	if raw := EnvString(EnvOrchestratorWebhookURLs); raw != "" {
		cfg.WebhookURLs = splitList(raw)
	}
	if raw := EnvString(EnvOrchestratorWebhookEvents); raw != "" {
		cfg.WebhookEvents = splitList(raw)
	}
	cfg.AnthropicAPIKey = EnvOrDefault(EnvAnthropicAPIKey, cfg.AnthropicAPIKey)
	cfg.AnthropicModel = EnvOrDefault(EnvOrchestratorAnthropicModel, cfg.AnthropicModel)
	cfg.SystemPrompt = EnvOrDefault(EnvOrchestratorSystemPrompt, cfg.SystemPrompt)
	cfg.OTLPEndpoint = EnvOrDefault(EnvOrchestratorOTLPEndpoint, cfg.OTLPEndpoint)
	cfg.OTLPInsecure = parseBoolEnv(EnvOrchestratorOTLPInsecure, cfg.OTLPInsecure)
	return nil
}

// parseToolHosts reads "name=url" pairs separated by commas.
func parseToolHosts(raw string) ([]ToolHost, error) {
	var hosts []ToolHost
	for _, entry := range splitList(raw) {
		name, rawURL, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(rawURL) == "" {
			return nil, fmt.Errorf("%s entries must be name=url, got %q", EnvOrchestratorToolHosts, entry)
		}
		hosts = append(hosts, ToolHost{Name: strings.TrimSpace(name), URL: strings.TrimSpace(rawURL)})
	}
	return hosts, nil
}

// resolveDSN rebases sqlite file paths onto the crabstack root. Postgres DSNs
// are returned untouched.
func resolveDSN(driver, dsn string) string {
	if driver == "sqlite" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		return ResolveCrabstackPath(dsn)
	}
	return dsn
}

func (c OrchestratorConfig) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvOrchestratorHTTPAddr)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvOrchestratorDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvOrchestratorDBDSN)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOrchestratorRPCTimeout)
	}
	if c.RPCMaxAge < c.RPCTimeout {
		return fmt.Errorf("%s must be >= %s", EnvOrchestratorRPCMaxAge, EnvOrchestratorRPCTimeout)
	}
	if c.RPCMaxAge < protocol.MaxCommandCallTimeout {
		return fmt.Errorf("%s must be >= %s, the longest command call", EnvOrchestratorRPCMaxAge, protocol.MaxCommandCallTimeout)
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOrchestratorJobWorkers)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOrchestratorJobTimeout)
	}
	if c.SessionQueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOrchestratorSessionQueueSize)
	}
	if c.MaxStepsPerTurn <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOrchestratorMaxStepsPerTurn)
	}
	if c.ResumeWindow <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOrchestratorResumeWindow)
	}
	if strings.TrimSpace(c.AnthropicAPIKey) == "" {
		return fmt.Errorf("%s must not be empty", EnvAnthropicAPIKey)
	}
	if c.AnthropicMaxTokens <= 0 {
		return fmt.Errorf("%s must be > 0", EnvOrchestratorAnthropicMaxTokens)
	}
	for _, host := range c.ToolHosts {
		if host.Name == "" {
			return fmt.Errorf("%s entries require a name", EnvOrchestratorToolHosts)
		}
		if err := validateURL(host.URL, "http", "https"); err != nil {
			return fmt.Errorf("%s host %s: %w", EnvOrchestratorToolHosts, host.Name, err)
		}
	}
	for _, raw := range c.WebhookURLs {
		if err := validateURL(raw, "http", "https"); err != nil {
			return fmt.Errorf("%s: %w", EnvOrchestratorWebhookURLs, err)
		}
	}
	if _, err := events.ParseTypes(c.WebhookEvents); err != nil {
		return fmt.Errorf("%s: %w", EnvOrchestratorWebhookEvents, err)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("url %q must use %s", raw, strings.Join(schemes, " or "))
}
