package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func setValidEnv(t *testing.T) {
	t.Setenv("ASANA_TOKEN", "tok")
	t.Setenv("REPAIR_PROJECT_ID", "intake")
	t.Setenv("SUBTASKS_PROJECT_ID", "work")
	t.Setenv("EMAIL_USER", "bot@example.com")
	t.Setenv("EMAIL_PASSWORD", "pw")
	t.Setenv("EMAIL_DISTRIBUTION_LIST", "ops@example.com, lead@example.com ,")
}

func TestLoadFromLegacyEnv(t *testing.T) {
	setValidEnv(t)
	t.Setenv("APP_URL", "https://repairs.example.com/")
	cfg := load(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tok", cfg.Asana.Token)
	assert.Equal(t, "intake", cfg.Asana.IntakeProjectID)
	assert.Equal(t, "work", cfg.Asana.WorkProjectID)
	assert.Equal(t, "smtp.gmail.com", cfg.Email.Server)
	assert.Equal(t, 587, cfg.Email.Port)
	assert.Equal(t, "bot@example.com", cfg.Email.From, "from defaults to the user")
	assert.Equal(t, []string{"ops@example.com", "lead@example.com"}, cfg.Email.DistributionList)
	assert.Equal(t, "https://repairs.example.com/v0/webhook", cfg.WebhookTarget())
	assert.Equal(t, 15*time.Minute, cfg.Guard.ClaimTTL)
}

func TestPrefixedEnv(t *testing.T) {
	setValidEnv(t)
	t.Setenv("REPAIRLINE_LOG_LEVEL", "debug")
	t.Setenv("REPAIRLINE_SCAN_SCHEDULE", "@every 15m")
	cfg := load(t)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "@every 15m", cfg.Scan.Schedule)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repairline.yml")
	require.NoError(t, os.WriteFile(path, []byte(`asana:
  token: file-token
  intake_project_id: a
  work_project_id: b
  field_gids:
    urgency: "111"
email:
  user: bot@example.com
  password: pw
  port: 2525
  distribution_list:
    - ops@example.com
`), 0o600))
	v := viper.New()
	SetDefaults(v)
	v.Set("config", path)
	cfg, err := Load(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "file-token", cfg.Asana.Token)
	assert.Equal(t, 2525, cfg.Email.Port)
	assert.Equal(t, map[string]string{"urgency": "111"}, cfg.Asana.FieldGIDs)
	assert.Equal(t, []string{"ops@example.com"}, cfg.Email.DistributionList)
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := load(t)
	cfg.Email.Port = 0
	err := cfg.Validate()
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.ElementsMatch(t, []string{"asana.token", "asana.intake_project_id", "asana.work_project_id", "email.from", "email.distribution_list"}, cerr.Missing)
	require.Len(t, cerr.Invalid, 1)
	assert.Contains(t, cerr.Invalid[0], "email.port")
}

func TestValidateRejectsSameProjects(t *testing.T) {
	setValidEnv(t)
	t.Setenv("SUBTASKS_PROJECT_ID", "intake")
	err := load(t).Validate()
	assert.ErrorContains(t, err, "must differ")
}

func TestValidateRejectsBadRecipient(t *testing.T) {
	setValidEnv(t)
	t.Setenv("EMAIL_DISTRIBUTION_LIST", "ops@example.com,not-an-address")
	err := load(t).Validate()
	assert.ErrorContains(t, err, "not-an-address")
}

func TestRedacted(t *testing.T) {
	setValidEnv(t)
	cfg := load(t)
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, out, "tok\n")
	assert.NotContains(t, out, "pw\n")
	assert.Contains(t, out, "********")
	assert.Equal(t, "tok", cfg.Asana.Token, "redaction must not touch the source config")
}
