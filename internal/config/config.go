package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "underwriter.yml"

// Config models underwriter.yml.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"service"`
	Pipeline struct {
		Stages       []StageConfig `yaml:"stages"`
		StageTimeout time.Duration `yaml:"stage_timeout"`
	} `yaml:"pipeline"`
	Hub struct {
		Roster                []ParticipantConfig `yaml:"roster"`
		ParticipantTTL        time.Duration       `yaml:"participant_ttl"`
		MaxQueue              int                 `yaml:"max_queue"`
		DefaultRequestTimeout time.Duration       `yaml:"default_request_timeout"`
	} `yaml:"hub"`
	Store struct {
		Driver        string        `yaml:"driver"`
		Workspace     string        `yaml:"workspace"`
		RedisAddr     string        `yaml:"redis_addr"`
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db"`
		StateTTL      time.Duration `yaml:"state_ttl"`
	} `yaml:"store"`
	Callback struct {
		URL        string        `yaml:"url"`
		Secret     string        `yaml:"secret"`
		SigningKey string        `yaml:"signing_key"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"callback"`
	Completion struct {
		URL     string        `yaml:"url"`
		Model   string        `yaml:"model"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"completion"`
	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// StageConfig is one entry of the ordered stage sequence.
type StageConfig struct {
	ID     string `yaml:"id"`
	Weight int    `yaml:"weight"`
	// Participant defaults to ID when empty.
	Participant string `yaml:"participant,omitempty"`
}

// ParticipantID returns the hub participant that executes this stage.
func (s StageConfig) ParticipantID() string {
	if s.Participant != "" {
		return s.Participant
	}
	return s.ID
}

type ParticipantConfig struct {
	ID           string   `yaml:"id"`
	DisplayName  string   `yaml:"display_name"`
	Capabilities []string `yaml:"capabilities"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := map[string]bool{}
	total := 0
	for i, st := range c.Pipeline.Stages {
		if strings.TrimSpace(st.ID) == "" {
			return fmt.Errorf("pipeline stage %d has empty id", i)
		}
		if seen[st.ID] {
			return fmt.Errorf("pipeline stage %s declared twice", st.ID)
		}
		seen[st.ID] = true
		if st.Weight <= 0 {
			return fmt.Errorf("pipeline stage %s must have a positive weight", st.ID)
		}
		total += st.Weight
	}
	if total != 100 {
		return fmt.Errorf("pipeline stage weights must sum to 100, got %d", total)
	}
	if c.Pipeline.StageTimeout < 0 {
		return fmt.Errorf("config.pipeline.stage_timeout must not be negative")
	}
	roster := map[string]bool{}
	for _, p := range c.Hub.Roster {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("config.hub.roster contains empty participant id")
		}
		if roster[p.ID] {
			return fmt.Errorf("participant %s declared twice in roster", p.ID)
		}
		roster[p.ID] = true
	}
	if c.Hub.MaxQueue < 0 {
		return fmt.Errorf("config.hub.max_queue must not be negative")
	}
	switch c.Store.Driver {
	case "", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return fmt.Errorf("config.store.redis_addr is required for driver redis")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or redis, got %q", c.Store.Driver)
	}
	return nil
}

// StageIDs returns the stage ids in pipeline order.
func (c *Config) StageIDs() []string {
	ids := make([]string, 0, len(c.Pipeline.Stages))
	for _, st := range c.Pipeline.Stages {
		ids = append(ids, st.ID)
	}
	return ids
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with uw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "underwriter"
	}
	if c.Service.Addr == "" {
		c.Service.Addr = "127.0.0.1:8090"
	}
	if c.Service.BasePath == "" {
		c.Service.BasePath = "/api"
	}
	if c.Hub.ParticipantTTL == 0 {
		c.Hub.ParticipantTTL = time.Hour
	}
	if c.Hub.MaxQueue == 0 {
		c.Hub.MaxQueue = 1000
	}
	if c.Hub.DefaultRequestTimeout == 0 {
		c.Hub.DefaultRequestTimeout = 30 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Workspace == "" {
		c.Store.Workspace = "."
	}
	if c.Store.StateTTL == 0 {
		c.Store.StateTTL = 24 * time.Hour
	}
	if c.Callback.Timeout == 0 {
		c.Callback.Timeout = 10 * time.Second
	}
	if c.Completion.Timeout == 0 {
		c.Completion.Timeout = 120 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

const defaultTemplate = `service:
  name: underwriter
  addr: 127.0.0.1:8090
  base_path: /api

pipeline:
  # 0 keeps a stage running until its handler returns.
  stage_timeout: 10m
  stages:
    - id: credit_analyst
      weight: 15
    - id: income_analyst
      weight: 15
    - id: asset_analyst
      weight: 15
    - id: collateral_analyst
      weight: 15
    - id: critic_agent
      weight: 20
    - id: decision_agent
      weight: 20

hub:
  participant_ttl: 1h
  max_queue: 1000
  default_request_timeout: 30s
  roster:
    - id: orchestrator
      display_name: Workflow Orchestrator
      capabilities: [coordination, workflow_management]
    - id: credit_analyst
      display_name: Credit Analyst
      capabilities: [credit_analysis, credit_score, payment_history, derogatory_events]
    - id: income_analyst
      display_name: Income Analyst
      capabilities: [income_analysis, employment_verification, dti_calculation]
    - id: asset_analyst
      display_name: Asset Analyst
      capabilities: [asset_analysis, reserves_calculation, large_deposit_review]
    - id: collateral_analyst
      display_name: Collateral Analyst
      capabilities: [collateral_analysis, ltv_calculation, property_valuation]
    - id: critic_agent
      display_name: Critic Agent
      capabilities: [review, consistency_check, compliance_check]
    - id: decision_agent
      display_name: Decision Agent
      capabilities: [decision_making, risk_scoring, memo_generation]

store:
  driver: sqlite
  workspace: .
  state_ttl: 24h

callback:
  # {run_id} is replaced with the run identifier.
  url: ""
  timeout: 10s

completion:
  # API root of an OpenAI-compatible service, e.g. https://api.openai.com/v1
  url: ""
  model: ""
  timeout: 2m

logging:
  level: INFO
`
