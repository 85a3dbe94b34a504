package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"driftline/internal/domain"
)

// Config models driftline.yml.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sync      SyncConfig      `yaml:"sync"`
	Signals   SignalsConfig   `yaml:"signals"`
	Engine    EngineConfig    `yaml:"engine"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	// Prompts maps a standing work type to its generation template; "default"
	// is used for unknown types.
	Prompts map[string]string `yaml:"prompts"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	SignalInterval time.Duration `yaml:"signal_interval"`
	CleanupHour    int           `yaml:"cleanup_hour"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	Workers        int           `yaml:"workers"`
}

type RateLimit struct {
	Kind  string        `yaml:"kind"` // delay | token_bucket
	Delay time.Duration `yaml:"delay"`
	RPS   float64       `yaml:"rps"`
	Burst int           `yaml:"burst"`
}

type PlatformConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	Interval     time.Duration `yaml:"interval"`
	Rate         RateLimit     `yaml:"rate"`
	SignalWindow time.Duration `yaml:"signal_window"`
	SignalCap    int           `yaml:"signal_cap"`
	BaseURL      string        `yaml:"base_url"`
}

type SyncConfig struct {
	FetchTimeout   time.Duration                      `yaml:"fetch_timeout"`
	FirstSyncCap   int                                `yaml:"first_sync_cap"`
	IncrementalCap int                                `yaml:"incremental_cap"`
	PageSize       int                                `yaml:"page_size"`
	ManualCooldown time.Duration                      `yaml:"manual_cooldown"`
	Workers        int                                `yaml:"workers"`
	Platforms      map[domain.Platform]PlatformConfig `yaml:"platforms"`
}

type SignalsConfig struct {
	MinItems            int                      `yaml:"min_items"`
	ConfidenceThreshold float64                  `yaml:"confidence_threshold"`
	CollisionWindow     time.Duration            `yaml:"collision_window"`
	ManualCooldown      time.Duration            `yaml:"manual_cooldown"`
	DefaultDedupWindow  time.Duration            `yaml:"default_dedup_window"`
	DedupWindows        map[string]time.Duration `yaml:"dedup_windows"`
	ActivityLookback    time.Duration            `yaml:"activity_lookback"`
	ActivityLimit       int                      `yaml:"activity_limit"`
	PreviewChars        int                      `yaml:"preview_chars"`
}

// DedupWindow returns the configured suppression window for a signal type.
func (s SignalsConfig) DedupWindow(signalType string) time.Duration {
	if d, ok := s.DedupWindows[signalType]; ok {
		return d
	}
	return s.DefaultDedupWindow
}

type EngineConfig struct {
	LLMTimeout   time.Duration          `yaml:"llm_timeout"`
	Rounds       map[domain.Binding]int `yaml:"rounds"`
	ContextLimit int                    `yaml:"context_limit"`
	ContextChars int                    `yaml:"context_chars"`
	Lookback     time.Duration          `yaml:"lookback"`
}

type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// APIKey is read from DRIFTLINE_LLM_API_KEY, never from the file.
	APIKey string `yaml:"-"`
}

type SearchConfig struct {
	Provider string        `yaml:"provider"`
	Timeout  time.Duration `yaml:"timeout"`
	APIKey   string        `yaml:"-"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
}

type DeliveryConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	SMTP         SMTPConfig    `yaml:"smtp"`
	SlackAPIURL  string        `yaml:"slack_api_url"`
	NotionAPIURL string        `yaml:"notion_api_url"`
	// SlackBotToken and NotionToken are read from the environment.
	SlackBotToken string `yaml:"-"`
	NotionToken   string `yaml:"-"`
}

// MetricsConfig selects where long-running commands push their counters.
type MetricsConfig struct {
	Exporter string        `yaml:"exporter"` // file | stdout | none
	Interval time.Duration `yaml:"interval"`
}

// Platform returns the settings for a platform, falling back to zero values.
func (c *Config) Platform(p domain.Platform) PlatformConfig {
	return c.Sync.Platforms[p]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("config.scheduler.tick_interval must be positive")
	}
	if c.Scheduler.SignalInterval <= 0 {
		return fmt.Errorf("config.scheduler.signal_interval must be positive")
	}
	if c.Scheduler.CleanupHour < 0 || c.Scheduler.CleanupHour > 23 {
		return fmt.Errorf("config.scheduler.cleanup_hour must be 0-23")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("config.scheduler.lease_ttl must be positive")
	}
	if c.Sync.FetchTimeout <= 0 {
		return fmt.Errorf("config.sync.fetch_timeout must be positive")
	}
	if c.Sync.FirstSyncCap <= 0 || c.Sync.IncrementalCap <= 0 {
		return fmt.Errorf("config.sync caps must be positive")
	}
	for _, p := range domain.Platforms {
		pc, ok := c.Sync.Platforms[p]
		if !ok {
			return fmt.Errorf("config.sync.platforms.%s is required", p)
		}
		if pc.TTL <= 0 {
			return fmt.Errorf("config.sync.platforms.%s.ttl must be positive", p)
		}
		switch pc.Rate.Kind {
		case "delay":
			if pc.Rate.Delay < 0 {
				return fmt.Errorf("config.sync.platforms.%s.rate.delay must not be negative", p)
			}
		case "token_bucket":
			if pc.Rate.RPS <= 0 || pc.Rate.Burst <= 0 {
				return fmt.Errorf("config.sync.platforms.%s.rate needs rps and burst", p)
			}
		default:
			return fmt.Errorf("config.sync.platforms.%s.rate.kind must be delay or token_bucket", p)
		}
	}
	for p := range c.Sync.Platforms {
		if !p.Valid() {
			return fmt.Errorf("config.sync.platforms has unknown platform %s", p)
		}
	}
	if c.Signals.ConfidenceThreshold < 0 || c.Signals.ConfidenceThreshold > 1 {
		return fmt.Errorf("config.signals.confidence_threshold must be within [0,1]")
	}
	if c.Signals.MinItems < 0 {
		return fmt.Errorf("config.signals.min_items must not be negative")
	}
	if c.Signals.DefaultDedupWindow <= 0 {
		return fmt.Errorf("config.signals.default_dedup_window must be positive")
	}
	for signalType, d := range c.Signals.DedupWindows {
		if signalType == "" {
			return fmt.Errorf("config.signals.dedup_windows has empty signal type")
		}
		if d <= 0 {
			return fmt.Errorf("dedup window for %s must be positive", signalType)
		}
	}
	if c.Engine.LLMTimeout <= 0 {
		return fmt.Errorf("config.engine.llm_timeout must be positive")
	}
	if c.Engine.LLMTimeout >= c.Scheduler.LeaseTTL {
		return fmt.Errorf("config.engine.llm_timeout must be shorter than config.scheduler.lease_ttl")
	}
	for _, b := range []domain.Binding{domain.BindingPlatformBound, domain.BindingCrossPlatform, domain.BindingResearch, domain.BindingHybrid} {
		if c.Engine.Rounds[b] <= 0 {
			return fmt.Errorf("config.engine.rounds.%s must be positive", b)
		}
	}
	switch c.Metrics.Exporter {
	case "file", "stdout":
		if c.Metrics.Interval <= 0 {
			return fmt.Errorf("config.metrics.interval must be positive")
		}
	case "none":
	default:
		return fmt.Errorf("config.metrics.exporter must be file, stdout or none")
	}
	if _, ok := c.Prompts["default"]; !ok {
		return fmt.Errorf("config.prompts.default is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "driftline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional reads driftline.yml from the workspace, returning the defaults
// when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `scheduler:
  tick_interval: 5m
  signal_interval: 1h
  cleanup_hour: 3
  lease_ttl: 30m
  workers: 4

sync:
  fetch_timeout: 30s
  first_sync_cap: 50
  incremental_cap: 200
  page_size: 50
  manual_cooldown: 5m
  workers: 4
  platforms:
    slack:
      ttl: 336h
      interval: 15m
      rate: {kind: delay, delay: 1200ms}
      signal_window: 168h
      signal_cap: 50
      base_url: https://slack.com/api
    notion:
      ttl: 720h
      interval: 1h
      rate: {kind: token_bucket, rps: 3, burst: 3}
      signal_window: 336h
      signal_cap: 20
      base_url: https://api.notion.com/v1
    gmail:
      ttl: 168h
      interval: 30m
      rate: {kind: token_bucket, rps: 10, burst: 5}
      signal_window: 168h
      signal_cap: 30
      base_url: https://gmail.googleapis.com/gmail/v1

signals:
  min_items: 3
  confidence_threshold: 0.6
  collision_window: 24h
  manual_cooldown: 5m
  default_dedup_window: 168h
  dedup_windows:
    deadline_approaching: 24h
    meeting_followup: 24h
    unanswered_thread: 24h
    project_update: 168h
    stakeholder_digest: 168h
    decision_record: 336h
    research_gap: 336h
  activity_lookback: 168h
  activity_limit: 20
  preview_chars: 300

engine:
  llm_timeout: 2m
  rounds:
    platform_bound: 3
    cross_platform: 5
    research: 10
    hybrid: 10
  context_limit: 60
  context_chars: 1200
  lookback: 168h

llm:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  max_tokens: 4000
  temperature: 0.2

search:
  provider: brave
  timeout: 10s

delivery:
  timeout: 30s
  smtp:
    host: localhost
    port: 25
    from: driftline@localhost
  slack_api_url: https://slack.com/api
  notion_api_url: https://api.notion.com/v1

metrics:
  exporter: file
  interval: 1m

prompts:
  default: |
    You produce a "{{type}}" deliverable titled "{{title}}".
    {{description}}
    Write in clear Markdown. Cite the source items you rely on by their id in square brackets.
  digest: |
    Write a concise digest titled "{{title}}" of what changed across the provided items.
    Group by theme, lead with decisions and open questions, and keep it under 400 words.
  status_report: |
    Write a status report titled "{{title}}". Summarize progress, blockers, and next steps
    drawn from the provided items. {{description}}
  meeting_prep: |
    Prepare a briefing titled "{{title}}" for the upcoming discussion: context, open threads,
    and suggested talking points. {{description}}
  research_brief: |
    Produce a research brief titled "{{title}}". Investigate with the available tools before
    writing, and separate established facts from open questions. {{description}}
`
