package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Config models gateline.yml: the ownership policy record, the command
// definition records, and executor/recovery settings.
type Config struct {
	Core struct {
		ID string `yaml:"id"`
	} `yaml:"core"`
	Policy   PolicyRecord    `yaml:"policy"`
	Commands []CommandRecord `yaml:"commands"`
	Executor struct {
		DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	} `yaml:"executor"`
	Recovery struct {
		Policy        string `yaml:"policy"`
		MinAgeSeconds int    `yaml:"min_age_seconds"`
	} `yaml:"recovery"`
}

// Recovery policies for audit entries left in attempted state by a crash.
const (
	RecoveryMarkFailed = "mark-failed"
	RecoveryReview     = "review"
)

// PolicyRecord is the load-time ownership policy shape.
type PolicyRecord struct {
	Domains []DomainRecord `yaml:"domains"`
	Roles   []RoleRecord   `yaml:"roles"`
	// MultiDomainOwners lists roles explicitly allowed to own more than one
	// domain. Overlapping ownership without this declaration fails the load.
	MultiDomainOwners []string `yaml:"multi_domain_owners"`
}

type DomainRecord struct {
	Name   string   `yaml:"name"`
	Owners []string `yaml:"owners"`
}

type RoleRecord struct {
	Name            string   `yaml:"name"`
	ReadableDomains []string `yaml:"readable_domains"`
}

// CommandRecord is the load-time command definition shape.
type CommandRecord struct {
	ID               string        `yaml:"id"`
	Role             string        `yaml:"role"`
	Domain           string        `yaml:"domain"`
	Permission       string        `yaml:"permission"`
	Params           []ParamRecord `yaml:"params"`
	SuccessPredicate string        `yaml:"success_predicate"`
	TimeoutSeconds   int           `yaml:"timeout_seconds"`
	AuditReads       bool          `yaml:"audit_reads"`
	Version          int           `yaml:"version"`
	Description      string        `yaml:"description"`
}

type ParamRecord struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

var paramTypes = map[string]bool{
	"string": true,
	"int":    true,
	"bool":   true,
	"object": true,
	"list":   true,
}

// Validate checks the structural shape of the config. Cross-checks against the
// compiled ownership policy (owner membership, predicate existence) happen at
// registry load; both are fail-closed.
func (c *Config) Validate() error {
	if c.Core.ID == "" {
		return fmt.Errorf("config.core.id is required")
	}
	if len(c.Policy.Domains) == 0 {
		return fmt.Errorf("config.policy.domains is required")
	}
	if len(c.Policy.Roles) == 0 {
		return fmt.Errorf("config.policy.roles is required")
	}
	for _, d := range c.Policy.Domains {
		if d.Name == "" {
			return fmt.Errorf("config.policy.domains contains empty domain name")
		}
	}
	for _, r := range c.Policy.Roles {
		if r.Name == "" {
			return fmt.Errorf("config.policy.roles contains empty role name")
		}
	}
	seen := map[string]bool{}
	for _, cmd := range c.Commands {
		if cmd.ID == "" {
			return fmt.Errorf("command with empty id")
		}
		if seen[cmd.ID] {
			return fmt.Errorf("duplicate command id %s", cmd.ID)
		}
		seen[cmd.ID] = true
		if cmd.Role == "" {
			return fmt.Errorf("command %s has no role", cmd.ID)
		}
		if cmd.Domain == "" {
			return fmt.Errorf("command %s has no domain", cmd.ID)
		}
		if cmd.Permission != domain.PermissionRead && cmd.Permission != domain.PermissionWrite {
			return fmt.Errorf("command %s permission must be read or write, got %q", cmd.ID, cmd.Permission)
		}
		for _, p := range cmd.Params {
			if p.Name == "" {
				return fmt.Errorf("command %s has a parameter with empty name", cmd.ID)
			}
			if !paramTypes[p.Type] {
				return fmt.Errorf("command %s parameter %s has unknown type %q", cmd.ID, p.Name, p.Type)
			}
		}
		if cmd.TimeoutSeconds < 0 {
			return fmt.Errorf("command %s has negative timeout", cmd.ID)
		}
	}
	switch c.Recovery.Policy {
	case "", RecoveryMarkFailed, RecoveryReview:
	default:
		return fmt.Errorf("recovery.policy must be %s or %s, got %q", RecoveryMarkFailed, RecoveryReview, c.Recovery.Policy)
	}
	if c.Executor.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("executor.default_timeout_seconds must not be negative")
	}
	return nil
}

// Definitions converts command records into immutable definitions.
func (c *Config) Definitions() []domain.CommandDefinition {
	defs := make([]domain.CommandDefinition, 0, len(c.Commands))
	for _, cmd := range c.Commands {
		def := domain.CommandDefinition{
			ID:               cmd.ID,
			Role:             cmd.Role,
			Domain:           cmd.Domain,
			Permission:       cmd.Permission,
			SuccessPredicate: cmd.SuccessPredicate,
			TimeoutSeconds:   cmd.TimeoutSeconds,
			AuditReads:       cmd.AuditReads,
			Version:          cmd.Version,
			Description:      cmd.Description,
		}
		for _, p := range cmd.Params {
			def.Params = append(def.Params, domain.Param{Name: p.Name, Type: p.Type, Required: p.Required})
		}
		defs = append(defs, def)
	}
	return defs
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

// GenerateDefault returns default config YAML for a new core.
func GenerateDefault(coreID string) string {
	return fmt.Sprintf(defaultTemplate, coreID)
}

// Default returns the default Config struct for a core id.
func Default(coreID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(coreID)))
	if err != nil {
		// the embedded template must always validate
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `core:
  id: %s

policy:
  domains:
    - name: roadmap
      owners: [planner]
    - name: specifications
      owners: [architect]
    - name: reviews
      owners: [reviewer]
    - name: implementation
      owners: [implementer]
    - name: orchestration
      owners: [orchestrator]
    - name: shared
      owners: []

  roles:
    - name: planner
      readable_domains: [roadmap, specifications, reviews]
    - name: architect
      readable_domains: [roadmap, specifications, implementation]
    - name: implementer
      readable_domains: [specifications, implementation, reviews]
    - name: reviewer
      readable_domains: [specifications, implementation, reviews]
    - name: orchestrator
      readable_domains: [roadmap, specifications, reviews, implementation, orchestration]
    - name: observer
      readable_domains: [roadmap, specifications, reviews, implementation, orchestration]

commands:
  - id: roadmap.item.create
    role: planner
    domain: roadmap
    permission: write
    success_predicate: ack
    params:
      - {name: resource, type: string, required: true}
      - {name: title, type: string, required: true}
      - {name: milestone, type: string}
    version: 1
    description: "Add an item to the roadmap"

  - id: spec.create
    role: architect
    domain: specifications
    permission: write
    success_predicate: ack
    params:
      - {name: resource, type: string, required: true}
      - {name: title, type: string, required: true}
      - {name: body, type: object}
    version: 1
    description: "Create a specification"

  - id: spec.read
    role: implementer
    domain: specifications
    permission: read
    params:
      - {name: resource, type: string}
    version: 1
    description: "Read a specification"

  - id: review.record
    role: reviewer
    domain: reviews
    permission: write
    success_predicate: ack
    params:
      - {name: resource, type: string, required: true}
      - {name: verdict, type: string, required: true}
      - {name: notes, type: object}
    version: 1
    description: "Record a code review"

  - id: impl.commit.record
    role: implementer
    domain: implementation
    permission: write
    success_predicate: ack
    params:
      - {name: resource, type: string, required: true}
      - {name: sha, type: string, required: true}
      - {name: metrics, type: object}
    version: 1
    description: "Record an implementation commit"

  - id: orchestration.state.set
    role: orchestrator
    domain: orchestration
    permission: write
    success_predicate: ack
    params:
      - {name: resource, type: string, required: true}
      - {name: state, type: string, required: true}
    version: 1
    description: "Update orchestration state"

  - id: shared.note.post
    role: observer
    domain: shared
    permission: write
    success_predicate: ack
    params:
      - {name: resource, type: string, required: true}
      - {name: note, type: string, required: true}
    version: 1
    description: "Post a note to the shared domain"

  - id: audit.inspect
    role: observer
    domain: shared
    permission: read
    audit_reads: true
    params:
      - {name: resource, type: string}
    version: 1
    description: "Inspect shared state (audited read)"

executor:
  default_timeout_seconds: 5

recovery:
  policy: review
  min_age_seconds: 60
`
