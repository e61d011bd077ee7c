// Package config loads the immutable process configuration.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "REPAIRLINE"

type Config struct {
	Workspace string      `yaml:"workspace"`
	Asana     AsanaConfig `yaml:"asana"`
	Email     EmailConfig `yaml:"email"`
	Server    struct {
		Addr   string `yaml:"addr"`
		AppURL string `yaml:"app_url"`
	} `yaml:"server"`
	Guard struct {
		ClaimTTL time.Duration `yaml:"claim_ttl"`
	} `yaml:"guard"`
	Scan struct {
		Schedule string        `yaml:"schedule"`
		Window   time.Duration `yaml:"window"`
	} `yaml:"scan"`
	Run struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"run"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	CatalogPath string `yaml:"catalog_path,omitempty"`
}

type AsanaConfig struct {
	Token           string        `yaml:"token"`
	BaseURL         string        `yaml:"base_url"`
	IntakeProjectID string        `yaml:"intake_project_id"`
	WorkProjectID   string        `yaml:"work_project_id"`
	RateLimit       int           `yaml:"rate_limit"`
	Timeout         time.Duration `yaml:"timeout"`
	// FieldGIDs maps "urgency" and "category" to custom field ids on the work project.
	FieldGIDs map[string]string `yaml:"field_gids,omitempty"`
}

type EmailConfig struct {
	User             string   `yaml:"user"`
	Password         string   `yaml:"password"`
	Server           string   `yaml:"server"`
	Port             int      `yaml:"port"`
	From             string   `yaml:"from"`
	FromName         string   `yaml:"from_name"`
	DistributionList []string `yaml:"distribution_list"`
}

// ConfigurationError lists every missing or invalid setting found at
// startup. The process must not accept traffic while it is returned.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, "; "))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// envNames keeps the deployment variable names in use before the prefixed
// ones were introduced. Earlier names win.
var envNames = map[string][]string{
	"asana.token":             {"ASANA_TOKEN"},
	"asana.intake_project_id": {"REPAIR_PROJECT_ID"},
	"asana.work_project_id":   {"SUBTASKS_PROJECT_ID"},
	"server.app_url":          {"APP_URL"},
	"email.user":              {"EMAIL_USER"},
	"email.password":          {"EMAIL_PASSWORD"},
	"email.server":            {"EMAIL_SERVER"},
	"email.port":              {"EMAIL_PORT"},
	"email.from":              {"EMAIL_FROM"},
	"email.distribution_list": {"EMAIL_DISTRIBUTION_LIST"},
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("asana.base_url", "https://app.asana.com/api/1.0")
	v.SetDefault("asana.rate_limit", 5)
	v.SetDefault("asana.timeout", 30*time.Second)
	v.SetDefault("email.server", "smtp.gmail.com")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.from_name", "Repair Requests")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("guard.claim_ttl", 15*time.Minute)
	v.SetDefault("scan.window", 24*time.Hour)
	v.SetDefault("run.timeout", 2*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	keys := make([]string, 0, len(envNames))
	for k := range envNames {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		names := append([]string{key}, envNames[key]...)
		names = append(names, EnvPrefix+"_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)))
		_ = v.BindEnv(names...)
	}
}

// Load reads the optional YAML file named by the "config" key, then builds
// the Config from v. Validation is left to the caller so read-only commands
// can run against a partial configuration.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	cfg.Workspace = v.GetString("workspace")
	cfg.Asana = AsanaConfig{
		Token:           strings.TrimSpace(v.GetString("asana.token")),
		BaseURL:         v.GetString("asana.base_url"),
		IntakeProjectID: strings.TrimSpace(v.GetString("asana.intake_project_id")),
		WorkProjectID:   strings.TrimSpace(v.GetString("asana.work_project_id")),
		RateLimit:       v.GetInt("asana.rate_limit"),
		Timeout:         v.GetDuration("asana.timeout"),
		FieldGIDs:       v.GetStringMapString("asana.field_gids"),
	}
	if len(cfg.Asana.FieldGIDs) == 0 {
		cfg.Asana.FieldGIDs = nil
	}
	cfg.Email = EmailConfig{
		User:             v.GetString("email.user"),
		Password:         v.GetString("email.password"),
		Server:           v.GetString("email.server"),
		Port:             v.GetInt("email.port"),
		From:             v.GetString("email.from"),
		FromName:         v.GetString("email.from_name"),
		DistributionList: stringList(v.Get("email.distribution_list")),
	}
	if cfg.Email.From == "" {
		cfg.Email.From = cfg.Email.User
	}
	cfg.Server.Addr = v.GetString("server.addr")
	cfg.Server.AppURL = strings.TrimRight(v.GetString("server.app_url"), "/")
	cfg.Guard.ClaimTTL = v.GetDuration("guard.claim_ttl")
	cfg.Scan.Schedule = v.GetString("scan.schedule")
	cfg.Scan.Window = v.GetDuration("scan.window")
	cfg.Run.Timeout = v.GetDuration("run.timeout")
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")
	cfg.CatalogPath = v.GetString("catalog_path")
	return &cfg, nil
}

// stringList accepts a YAML list or a comma separated string.
func stringList(raw any) []string {
	var items []string
	switch val := raw.(type) {
	case string:
		items = strings.Split(val, ",")
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	}
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks everything needed to accept traffic.
func (c *Config) Validate() error {
	cerr := &ConfigurationError{}
	missing := func(key, value string) {
		if value == "" {
			cerr.Missing = append(cerr.Missing, key)
		}
	}
	missing("asana.token", c.Asana.Token)
	missing("asana.intake_project_id", c.Asana.IntakeProjectID)
	missing("asana.work_project_id", c.Asana.WorkProjectID)
	missing("email.server", c.Email.Server)
	missing("email.from", c.Email.From)
	if len(c.Email.DistributionList) == 0 {
		cerr.Missing = append(cerr.Missing, "email.distribution_list")
	}
	if c.Email.User != "" && c.Email.Password == "" {
		cerr.Missing = append(cerr.Missing, "email.password")
	}

	invalid := func(format string, args ...any) {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf(format, args...))
	}
	if c.Asana.IntakeProjectID != "" && c.Asana.IntakeProjectID == c.Asana.WorkProjectID {
		invalid("asana.work_project_id must differ from asana.intake_project_id")
	}
	if c.Email.Port <= 0 || c.Email.Port > 65535 {
		invalid("email.port %d out of range", c.Email.Port)
	}
	if c.Email.From != "" && validate.Var(c.Email.From, "email") != nil {
		invalid("email.from %q is not an email address", c.Email.From)
	}
	for _, addr := range c.Email.DistributionList {
		if validate.Var(addr, "email") != nil {
			invalid("email.distribution_list entry %q is not an email address", addr)
		}
	}
	if c.Asana.RateLimit < 0 {
		invalid("asana.rate_limit must not be negative")
	}
	if c.Guard.ClaimTTL <= 0 {
		invalid("guard.claim_ttl must be positive")
	}
	if c.Scan.Window <= 0 {
		invalid("scan.window must be positive")
	}
	if c.Server.AppURL != "" {
		if u, err := url.Parse(c.Server.AppURL); err != nil || u.Scheme == "" || u.Host == "" {
			invalid("server.app_url %q must be an absolute URL", c.Server.AppURL)
		}
	}
	for key := range c.Asana.FieldGIDs {
		if key != "urgency" && key != "category" {
			invalid("asana.field_gids key %q must be urgency or category", key)
		}
	}
	if len(cerr.Missing) == 0 && len(cerr.Invalid) == 0 {
		return nil
	}
	return cerr
}

// WebhookTarget is the URL the tracker should deliver webhook events to.
func (c *Config) WebhookTarget() string {
	if c.Server.AppURL == "" {
		return ""
	}
	return c.Server.AppURL + "/v0/webhook"
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Asana.Token = mask(c.Asana.Token)
	out.Email.Password = mask(c.Email.Password)
	return out
}

// YAML renders the redacted config.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", err
	}
	return string(data), nil
}
