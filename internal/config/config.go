package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"permitline/internal/domain"
)

// Config models permitline.yml.
type Config struct {
	Permit struct {
		FormCategory                  string `yaml:"form_category"`
		SubmissionLeadHours           int    `yaml:"submission_lead_hours"`
		RiskAssessmentHazardThreshold int    `yaml:"risk_assessment_hazard_threshold"`
		OthersHazard                  string `yaml:"others_hazard"`
		Timezone                      string `yaml:"timezone"`
	} `yaml:"permit"`
	Groups struct {
		PermitOriginator    string `yaml:"permit_originator"`
		PerformingAuthority string `yaml:"performing_authority"`
	} `yaml:"groups"`
	Companies      []Company             `yaml:"companies"`
	WorkCategories []domain.WorkCategory `yaml:"work_categories"`
	Assets         []domain.AssetDetails `yaml:"assets"`
	Directory      struct {
		Users  []DirectoryUser     `yaml:"users"`
		Groups map[string][]string `yaml:"groups"`
	} `yaml:"directory"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Company struct {
	Name string `json:"name" yaml:"name"`
	Code string `json:"code" yaml:"code"`
}

type DirectoryUser struct {
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ptw init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Permit.FormCategory) == "" {
		return fmt.Errorf("config.permit.form_category is required")
	}
	if c.Permit.SubmissionLeadHours < 0 {
		return fmt.Errorf("config.permit.submission_lead_hours must be >= 0")
	}
	if c.Permit.RiskAssessmentHazardThreshold < 1 {
		return fmt.Errorf("config.permit.risk_assessment_hazard_threshold must be >= 1")
	}
	if c.Permit.Timezone != "" {
		if _, err := time.LoadLocation(c.Permit.Timezone); err != nil {
			return fmt.Errorf("config.permit.timezone: %w", err)
		}
	}
	if c.Groups.PermitOriginator == "" || c.Groups.PerformingAuthority == "" {
		return fmt.Errorf("config.groups.permit_originator and performing_authority are required")
	}
	codes := map[string]bool{}
	for _, co := range c.Companies {
		if strings.TrimSpace(co.Name) == "" || strings.TrimSpace(co.Code) == "" {
			return fmt.Errorf("company entries need a name and a code")
		}
		if codes[co.Code] {
			return fmt.Errorf("company code %s is duplicated", co.Code)
		}
		codes[co.Code] = true
	}
	for _, wc := range c.WorkCategories {
		if wc.ID == "" {
			return fmt.Errorf("work category id is required")
		}
		if wc.RenewalValidity < 0 {
			return fmt.Errorf("work category %s renewal_validity must be >= 0", wc.ID)
		}
	}
	for _, a := range c.Assets {
		if a.ID == "" || a.Category == "" {
			return fmt.Errorf("asset entries need an id and a category")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// LeadTime is the minimum gap between submission and a non-urgent permit start.
func (c *Config) LeadTime() time.Duration {
	return time.Duration(c.Permit.SubmissionLeadHours) * time.Hour
}

// Location is the zone permit schedules are expressed in.
func (c *Config) Location() *time.Location {
	if c.Permit.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Permit.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CompanyCode returns the reference-number code of a company name.
func (c *Config) CompanyCode(name string) (string, bool) {
	for _, co := range c.Companies {
		if strings.EqualFold(co.Name, name) || strings.EqualFold(co.Code, name) {
			return co.Code, true
		}
	}
	return "", false
}

func (c *Config) CompanyNames() []string {
	out := make([]string, 0, len(c.Companies))
	for _, co := range c.Companies {
		out = append(out, co.Name)
	}
	return out
}

func (c *Config) WorkCategoryIDs() []string {
	out := make([]string, 0, len(c.WorkCategories))
	for _, wc := range c.WorkCategories {
		out = append(out, wc.ID)
	}
	return out
}

// WorkCategory resolves the configured category by id.
func (c *Config) WorkCategory(id string) (domain.WorkCategory, bool) {
	for _, wc := range c.WorkCategories {
		if wc.ID == id {
			return wc, true
		}
	}
	return domain.WorkCategory{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "permitline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset permit
// settings fall back to their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Companies = nil
	cfg.WorkCategories = nil
	cfg.Assets = nil
	cfg.Directory.Users = nil
	cfg.Directory.Groups = nil
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

const defaultTemplate = `permit:
  form_category: PTW
  submission_lead_hours: 24
  risk_assessment_hazard_threshold: 3
  others_hazard: Others
  timezone: UTC

groups:
  permit_originator: PTW Permit Originators
  performing_authority: PTW Performing Authorities

companies:
  - name: Main Contractor
    code: MC

work_categories:
  - id: general
    title: General work
    renewal_validity: 7
  - id: hot-work
    title: Hot work
    renewal_validity: 3
  - id: confined-space
    title: Confined space entry
    renewal_validity: 1
`
