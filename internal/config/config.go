// Package config loads service configuration from environment variables,
// with an optional YAML document for the gateway's model allow-list and
// rate-limit defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true")
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Provisioner is the key-provisioner service configuration.
type Provisioner struct {
	ListenAddr        string
	LiteLLMURL        string
	LiteLLMMasterKey  string
	ProvisionerSecret string
	CoderURL          string
}

// LoadProvisioner reads the provisioner config from the environment.
func LoadProvisioner() Provisioner {
	return Provisioner{
		ListenAddr:        ":" + envStr("PORT", "8100"),
		LiteLLMURL:        envStr("LITELLM_URL", "http://litellm:4000"),
		LiteLLMMasterKey:  os.Getenv("LITELLM_MASTER_KEY"),
		ProvisionerSecret: os.Getenv("PROVISIONER_SECRET"),
		CoderURL:          envStr("CODER_URL", "http://coder-server:7080"),
	}
}

// Reaper is the idle-reaper service configuration.
type Reaper struct {
	ListenAddr     string
	CoderURL       string
	SessionToken   string
	IdleTimeout    time.Duration
	CheckInterval  time.Duration
	GracePeriod    time.Duration
	DryRun         bool
	ExcludedOwners []string
	LogLevel       string
}

// LoadReaper reads the reaper config from the environment.
func LoadReaper() Reaper {
	return Reaper{
		ListenAddr:     ":" + envStr("PORT", "8200"),
		CoderURL:       envStr("CODER_URL", "http://coder-server:7080"),
		SessionToken:   os.Getenv("CODER_SESSION_TOKEN"),
		IdleTimeout:    time.Duration(envInt("IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
		CheckInterval:  time.Duration(envInt("CHECK_INTERVAL_SECONDS", 300)) * time.Second,
		GracePeriod:    time.Duration(envInt("GRACE_PERIOD_MINUTES", 15)) * time.Minute,
		DryRun:         envBool("DRY_RUN", true),
		ExcludedOwners: envList("EXCLUDED_OWNERS"),
		LogLevel:       envStr("LOG_LEVEL", "INFO"),
	}
}

// Gateway is the AI-gateway service configuration.
type Gateway struct {
	ListenAddr       string
	LiteLLMURL       string
	LiteLLMMasterKey string

	GuardrailsEnabled bool
	GuardrailsDir     string
	DefaultLevel      string
	DefaultAction     string

	PromptsDir              string
	DefaultEnforcementLevel string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisAddr     string
	RedisPassword string

	DefaultRPM int
	DefaultTPM int
}

// LoadGateway reads the gateway config from the environment.
func LoadGateway() Gateway {
	return Gateway{
		ListenAddr:       ":" + envStr("PORT", "8090"),
		LiteLLMURL:       envStr("LITELLM_URL", "http://litellm:4000"),
		LiteLLMMasterKey: os.Getenv("LITELLM_MASTER_KEY"),

		GuardrailsEnabled: envBool("GUARDRAILS_ENABLED", true),
		GuardrailsDir:     envStr("GUARDRAILS_DIR", "/app/guardrails"),
		DefaultLevel:      envStr("DEFAULT_GUARDRAIL_LEVEL", "standard"),
		DefaultAction:     envStr("DEFAULT_GUARDRAIL_ACTION", "block"),

		PromptsDir:              envStr("ENFORCEMENT_PROMPTS_DIR", "/app/prompts"),
		DefaultEnforcementLevel: envStr("DEFAULT_ENFORCEMENT_LEVEL", "standard"),

		DBHost:     envStr("DEVDB_HOST", "devdb"),
		DBPort:     envStr("DEVDB_PORT", "5432"),
		DBUser:     envStr("DEVDB_USER", "ai_gateway"),
		DBPassword: os.Getenv("DEVDB_PASSWORD"),
		DBName:     envStr("DEVDB_NAME", "devdb"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DefaultRPM: envInt("DEFAULT_RPM_LIMIT", 60),
		DefaultTPM: envInt("DEFAULT_TPM_LIMIT", 100000),
	}
}

// GatewayFile is the optional YAML config document (model allow-list and
// rate-limit defaults), editable alongside the deployment.
type GatewayFile struct {
	AllowedModels []string `yaml:"allowed_models"`
	RateLimits    struct {
		Default struct {
			RequestsPerMinute int `yaml:"requests_per_minute"`
			TokensPerMinute   int `yaml:"tokens_per_minute"`
		} `yaml:"default"`
	} `yaml:"rate_limits"`
}

// LoadGatewayFile reads the YAML document at path. A missing file yields
// an empty config, not an error.
func LoadGatewayFile(path string) (*GatewayFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &GatewayFile{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var cfg GatewayFile
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Apply overlays the YAML document's values onto the env-derived config.
func (g *Gateway) Apply(file *GatewayFile) {
	if file == nil {
		return
	}
	if file.RateLimits.Default.RequestsPerMinute > 0 {
		g.DefaultRPM = file.RateLimits.Default.RequestsPerMinute
	}
	if file.RateLimits.Default.TokensPerMinute > 0 {
		g.DefaultTPM = file.RateLimits.Default.TokensPerMinute
	}
}
