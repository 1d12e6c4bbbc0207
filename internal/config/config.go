package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"taskline/internal/domain"
	"taskline/internal/policy"
)

// FileName is the policy/notification config file looked up in the
// working directory.
const FileName = "taskline.yml"

// Config models taskline.yml.
type Config struct {
	Policy struct {
		Roles map[string]map[string][]string `yaml:"roles"`
	} `yaml:"policy"`
	Notifications struct {
		SendConcurrency    int `yaml:"send_concurrency"`
		MaxDurationSeconds int `yaml:"max_duration_seconds"`
		RetryAttempts      int `yaml:"retry_attempts"`
		RetryBackoffMillis int `yaml:"retry_backoff_ms"`
	} `yaml:"notifications"`
	Tasks struct {
		CreateTimeoutSeconds int `yaml:"create_timeout_seconds"`
		MaxSubtaskDepth      int `yaml:"max_subtask_depth"`
	} `yaml:"tasks"`
	WorkflowStates []WorkflowState `yaml:"workflow_states"`
	// Directory seeds the in-memory identity gateway when no identity URL
	// is configured.
	Directory Directory `yaml:"directory"`
}

type WorkflowState struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type Directory struct {
	InternalUsers []DirectoryEntry `yaml:"internal_users"`
	Clients       []DirectoryEntry `yaml:"clients"`
	Companies     []DirectoryEntry `yaml:"companies"`
}

type DirectoryEntry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Email     string `yaml:"email"`
	CompanyID string `yaml:"company_id"`
}

var knownActions = map[string]bool{
	policy.Create: true, policy.Read: true, policy.Update: true, policy.Delete: true, policy.Send: true, "*": true,
}

var knownStateTypes = map[string]bool{
	domain.StateBacklog: true, domain.StateUnstarted: true, domain.StateStarted: true,
	domain.StateCompleted: true, domain.StateCancelled: true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, role := range []string{domain.InternalUser, domain.Client} {
		if _, ok := c.Policy.Roles[role]; !ok {
			return fmt.Errorf("config.policy.roles must include %s", role)
		}
	}
	for role, resources := range c.Policy.Roles {
		for resource, actions := range resources {
			if resource == "" {
				return fmt.Errorf("role %s has empty resource", role)
			}
			for _, a := range actions {
				if !knownActions[a] {
					return fmt.Errorf("role %s resource %s: unknown action %q", role, resource, a)
				}
			}
		}
	}
	if c.Notifications.SendConcurrency <= 0 {
		return fmt.Errorf("config.notifications.send_concurrency must be positive")
	}
	if c.Notifications.MaxDurationSeconds <= 0 {
		return fmt.Errorf("config.notifications.max_duration_seconds must be positive")
	}
	if c.Notifications.RetryAttempts <= 0 {
		return fmt.Errorf("config.notifications.retry_attempts must be positive")
	}
	if c.Notifications.RetryBackoffMillis < 0 {
		return fmt.Errorf("config.notifications.retry_backoff_ms must not be negative")
	}
	if c.Tasks.CreateTimeoutSeconds <= 0 {
		return fmt.Errorf("config.tasks.create_timeout_seconds must be positive")
	}
	if c.Tasks.MaxSubtaskDepth < 0 {
		return fmt.Errorf("config.tasks.max_subtask_depth must not be negative")
	}
	if len(c.WorkflowStates) == 0 {
		return fmt.Errorf("config.workflow_states is required")
	}
	for i, s := range c.WorkflowStates {
		if s.Name == "" {
			return fmt.Errorf("workflow state %d has empty name", i)
		}
		if !knownStateTypes[s.Type] {
			return fmt.Errorf("workflow state %s has unknown type %q", s.Name, s.Type)
		}
	}
	for _, cl := range c.Directory.Clients {
		if cl.ID == "" || cl.CompanyID == "" {
			return fmt.Errorf("directory clients need id and company_id")
		}
	}
	return nil
}

// PolicyTable returns the authorization table.
func (c *Config) PolicyTable() policy.Table {
	t := policy.Table{}
	for role, resources := range c.Policy.Roles {
		t[role] = map[string][]string{}
		for resource, actions := range resources {
			t[role][resource] = append([]string(nil), actions...)
		}
	}
	return t
}

func (c *Config) CreateTimeout() time.Duration {
	return time.Duration(c.Tasks.CreateTimeoutSeconds) * time.Second
}

func (c *Config) SendMaxDuration() time.Duration {
	return time.Duration(c.Notifications.MaxDurationSeconds) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Notifications.RetryBackoffMillis) * time.Millisecond
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// sections keep their defaults.
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

// LoadOptional returns the default config when path does not exist.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `policy:
  roles:
    internalUser:
      task: [create, read, update, delete]
      comment: [create, read]
      viewer: [create, delete]
      notification: [read, update, send]
      workflowState: [create, read]
      activityLog: [read]
    client:
      task: [create, read, update]
      comment: [create, read]
      notification: [read, update]
      workflowState: [read]
      activityLog: [read]

notifications:
  send_concurrency: 5
  max_duration_seconds: 60
  retry_attempts: 5
  retry_backoff_ms: 500

tasks:
  create_timeout_seconds: 10
  max_subtask_depth: 2

workflow_states:
  - {name: Backlog, type: backlog}
  - {name: Todo, type: unstarted}
  - {name: In Progress, type: started}
  - {name: Done, type: completed}
  - {name: Cancelled, type: cancelled}
`
