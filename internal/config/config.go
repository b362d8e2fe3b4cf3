package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models specline.yml.
type Config struct {
	Pricing struct {
		InterrogationMessage float64 `yaml:"interrogation_message"`
		BlueprintSuite       float64 `yaml:"blueprint_suite"`
		PromptSequence       float64 `yaml:"prompt_sequence"`
		PromptRegeneration   float64 `yaml:"prompt_regeneration"`
		DefaultBalance       float64 `yaml:"default_balance"`
	} `yaml:"pricing"`
	LLM struct {
		Endpoint       string   `yaml:"endpoint"`
		Model          string   `yaml:"model"`
		APIKeys        []string `yaml:"api_keys"`
		MaxTokens      int64    `yaml:"max_tokens"`
		Temperature    float64  `yaml:"temperature"`
		AttemptTimeout Duration `yaml:"attempt_timeout"`
		RateLimitDelay Duration `yaml:"rate_limit_delay"`
	} `yaml:"llm"`
	Interrogation struct {
		TargetQuestions int `yaml:"target_questions"`
	} `yaml:"interrogation"`
	Blueprints Catalog `yaml:"blueprints"`
	Ledger     struct {
		Backend   string `yaml:"backend"`
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"ledger"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Catalog is the blueprint selection and generation table.
type Catalog struct {
	Core         []string                `yaml:"core"`
	ProjectTypes map[string][]string     `yaml:"project_types"`
	Features     map[string][]string     `yaml:"features"`
	Documents    map[string]DocumentSpec `yaml:"documents"`
	Concurrency  int                     `yaml:"concurrency"`
	RefundPolicy string                  `yaml:"refund_policy"`
}

// DocumentSpec describes one blueprint type and the outline its content must satisfy.
type DocumentSpec struct {
	Title   string   `yaml:"title"`
	Outline []string `yaml:"outline"`
}

type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

const (
	RefundNone     = "none"
	RefundProrated = "prorated"

	LedgerSQLite = "sqlite"
	LedgerRedis  = "redis"
)

// Duration decodes YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace, falling back to defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	p := c.Pricing
	for name, v := range map[string]float64{
		"interrogation_message": p.InterrogationMessage,
		"blueprint_suite":       p.BlueprintSuite,
		"prompt_sequence":       p.PromptSequence,
		"prompt_regeneration":   p.PromptRegeneration,
		"default_balance":       p.DefaultBalance,
	} {
		if v < 0 {
			return fmt.Errorf("config.pricing.%s must not be negative", name)
		}
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("config.llm.model is required")
	}
	if c.Interrogation.TargetQuestions <= 0 {
		return fmt.Errorf("config.interrogation.target_questions must be positive")
	}
	if err := c.Blueprints.Validate(); err != nil {
		return err
	}
	switch c.Ledger.Backend {
	case LedgerSQLite:
	case LedgerRedis:
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("config.ledger.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.ledger.backend must be %s or %s", LedgerSQLite, LedgerRedis)
	}
	seen := map[string]bool{}
	for _, h := range c.Webhooks {
		if h.ID == "" || h.URL == "" {
			return fmt.Errorf("webhook requires id and url")
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate webhook id %s", h.ID)
		}
		seen[h.ID] = true
	}
	return nil
}

// Validate checks that every referenced blueprint type has a document entry.
func (c Catalog) Validate() error {
	if len(c.Core) == 0 {
		return fmt.Errorf("config.blueprints.core is required")
	}
	check := func(where, typ string) error {
		if typ == "" {
			return fmt.Errorf("%s has empty blueprint type", where)
		}
		if _, ok := c.Documents[typ]; !ok {
			return fmt.Errorf("%s references unknown blueprint type %s", where, typ)
		}
		return nil
	}
	for _, t := range c.Core {
		if err := check("blueprints.core", t); err != nil {
			return err
		}
	}
	for pt, types := range c.ProjectTypes {
		for _, t := range types {
			if err := check("project type "+pt, t); err != nil {
				return err
			}
		}
	}
	for f, types := range c.Features {
		for _, t := range types {
			if err := check("feature "+f, t); err != nil {
				return err
			}
		}
	}
	for typ, doc := range c.Documents {
		if doc.Title == "" {
			return fmt.Errorf("blueprint type %s has no title", typ)
		}
		if len(doc.Outline) == 0 {
			return fmt.Errorf("blueprint type %s has no outline", typ)
		}
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config.blueprints.concurrency must be positive")
	}
	if c.RefundPolicy != RefundNone && c.RefundPolicy != RefundProrated {
		return fmt.Errorf("config.blueprints.refund_policy must be %s or %s", RefundNone, RefundProrated)
	}
	return nil
}

// ProjectTypeNames returns the configured project types in sorted order.
func (c Catalog) ProjectTypeNames() []string {
	names := make([]string, 0, len(c.ProjectTypes))
	for k := range c.ProjectTypes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "specline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections keep their defaults.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pricing:
  interrogation_message: 0.25
  blueprint_suite: 5
  prompt_sequence: 2
  prompt_regeneration: 0.5
  default_balance: 10

llm:
  endpoint: https://api.openai.com/v1
  model: gpt-4o
  api_keys: []
  max_tokens: 4096
  temperature: 0.7
  attempt_timeout: 90s
  rate_limit_delay: 2s

interrogation:
  target_questions: 12

ledger:
  backend: sqlite
  redis_addr: ""

blueprints:
  concurrency: 4
  refund_policy: none
  core: [mvp-features, backend, database, security, design-system]
  project_types:
    web-app: [frontend]
    saas: [frontend, admin-panel, analytics]
    marketplace: [frontend, trust-safety, search]
    ecommerce: [frontend, search, payment-integration]
    social: [frontend, trust-safety, notifications]
    mobile-app: [mobile, notifications]
    api-service: [api-design, devops]
    internal-tool: [frontend, admin-panel]
    content-platform: [frontend, content-management, search]
    ai-product: [frontend, ai-integration]
  features:
    payments: [payment-integration]
    realtime: [realtime]
    ai: [ai-integration]
    notifications: [notifications]
    search: [search]
    file-uploads: [file-storage]
    analytics: [analytics]
    admin: [admin-panel]
    mobile: [mobile]
    api: [api-design]
    user-content: [trust-safety, content-management]
  documents:
    mvp-features:
      title: MVP Feature Specification
      outline:
        - core user journeys, each with entry point and success state
        - prioritized feature list split into must-have and later
        - explicit out-of-scope list for the first release
    backend:
      title: Backend Architecture
      outline:
        - services or modules and their responsibilities
        - request flow for the main user journeys
        - background jobs and scheduled work
        - error handling and retry strategy
    database:
      title: Database Design
      outline:
        - every entity with its fields and types
        - relationships between entities with cardinality
        - indexing guidance tied to concrete queries
        - data retention and migration notes
    security:
      title: Security Requirements
      outline:
        - authentication and session model
        - authorization rules per resource
        - input validation and rate limiting
        - secrets handling and audit logging
    design-system:
      title: Design System
      outline:
        - color, typography and spacing tokens
        - component inventory with states
        - accessibility requirements
    frontend:
      title: Frontend Architecture
      outline:
        - page and route map
        - state management approach
        - data fetching and caching rules
    admin-panel:
      title: Admin Panel
      outline:
        - admin roles and permissions
        - moderation and support tools
        - operational dashboards
    analytics:
      title: Analytics Plan
      outline:
        - tracked events with properties
        - key metrics and how they are derived
        - privacy constraints on collected data
    trust-safety:
      title: Trust and Safety
      outline:
        - abuse scenarios and mitigations
        - reporting and review workflow
        - identity verification requirements
    search:
      title: Search
      outline:
        - searchable entities and fields
        - ranking and filtering rules
        - indexing pipeline and freshness
    payment-integration:
      title: Payment Integration
      outline:
        - payment provider choice and flows
        - pricing model and billing events
        - webhook handling and reconciliation
        - refund and dispute handling
    notifications:
      title: Notifications
      outline:
        - notification triggers and channels
        - user preferences and opt-out
        - delivery guarantees and batching
    mobile:
      title: Mobile App
      outline:
        - platform targets and framework
        - offline behavior and sync
        - push notification setup
    api-design:
      title: API Design
      outline:
        - resources and endpoints
        - authentication for API clients
        - versioning and pagination conventions
    devops:
      title: DevOps and Infrastructure
      outline:
        - environments and deployment pipeline
        - observability and alerting
        - backup and recovery
    content-management:
      title: Content Management
      outline:
        - content types and lifecycle
        - editorial workflow and permissions
        - media handling
    ai-integration:
      title: AI Integration
      outline:
        - model and provider choices
        - prompt design and evaluation
        - cost controls and fallbacks
    realtime:
      title: Realtime Features
      outline:
        - realtime channels and events
        - transport choice and scaling
        - consistency and reconnection rules
    file-storage:
      title: File Storage
      outline:
        - upload flow and size limits
        - storage layout and access control
        - processing pipeline for uploaded files

webhooks: []
`
