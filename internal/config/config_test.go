package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dirbs/dirbs-core/internal/config"
)

const sampleYAML = `
environment: test
postgresql:
  database: dirbs_local
  host: db.example.com
  port: 5433
  user: dirbs_poweruser
region:
  name: Country1
  country_codes: ["22"]
  exempted_device_types: ["Module"]
  operators:
    - id: operator1
      name: First Operator
      mcc_mnc_pairs:
        - {mcc: "111", mnc: "01"}
        - {mcc: "111", mnc: "02"}
    - id: operator2
      name: Second Operator
      mcc_mnc_pairs:
        - {mcc: "111", mnc: "03"}
conditions:
  - label: local_stolen
    reason: IMEI found on local stolen list
    grace_period_days: 30
    blocking: true
    dimensions:
      - module: stolen_list
  - label: Not_Registered
    reason: not registered
    blocking: false
    sticky: true
    max_allowed_matching_ratio: 0.5
    dimensions:
      - module: not_on_registration_list
        invert: false
listgen:
  lookback_days: 180
  restrict_exceptions_list_to_blacklisted_imeis: true
amnesty:
  enabled: true
  evaluation_period_end_date: 20170201
  amnesty_period_end_date: "20170701"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "test", cfg.Env)
	require.Equal(t, "dirbs_local", cfg.DB.Database)
	require.Equal(t, 5433, cfg.DB.Port)

	// Defaults survive partial documents.
	require.Equal(t, 100000, cfg.Import.BatchSize)
	require.Equal(t, 0.75, cfg.Import.SizeVariationPercent)
	require.Equal(t, 180, cfg.ListGen.LookbackDays)
	require.True(t, cfg.ListGen.RestrictExceptionsToBlacklist)

	require.Len(t, cfg.Region.Operators, 2)
	op, ok := cfg.OperatorByID("operator1")
	require.True(t, ok)
	require.Equal(t, []string{"11101", "11102"}, op.ImsiPrefixes())
	require.ElementsMatch(t, []string{"11101", "11102", "11103"}, cfg.Region.ImsiPrefixes())

	require.Len(t, cfg.Conditions, 2)
	// Labels are normalized to lower case.
	cond, ok := cfg.ConditionByLabel("not_registered")
	require.True(t, ok)
	require.True(t, cond.Sticky)
	require.Equal(t, 0.5, cond.MaxAllowedMatchingRatio)

	stolen, ok := cfg.ConditionByLabel("local_stolen")
	require.True(t, ok)
	require.Equal(t, 0.1, stolen.MaxAllowedMatchingRatio, "ratio defaults to 0.1")

	require.True(t, cfg.Amnesty.Enabled)
	require.Equal(t, "20170201", cfg.Amnesty.EvaluationPeriodEndDate.String())
	require.Equal(t, "20170701", cfg.Amnesty.AmnestyPeriodEndDate.String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DIRBS_DB_HOST", "env-host")
	t.Setenv("DIRBS_DB_PORT", "6543")
	t.Setenv("DIRBS_DB_PASSWORD", "sekret")
	t.Setenv("DIRBS_STATSD_HOST", "statsd.example.com")
	t.Setenv("DIRBS_ENV", "prod")
	t.Setenv("DIRBS_KAFKA_TOPIC", "whitelist-changes")

	cfg, err := config.Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "env-host", cfg.DB.Host)
	require.Equal(t, 6543, cfg.DB.Port)
	require.Equal(t, "sekret", cfg.DB.Password)
	require.Equal(t, "statsd.example.com", cfg.Statsd.Hostname)
	require.Equal(t, "prod", cfg.Env)
	require.Equal(t, "whitelist-changes", cfg.Kafka.Topic)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "dirbs", cfg.DB.Database)
	require.Equal(t, 4, cfg.Multiprocessing.MaxDBConnections)
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "postgresql:\n  databsae: oops\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "reason with pipe",
			body: `
conditions:
  - label: c1
    reason: "bad|reason"
    blocking: true
    dimensions: [{module: stolen_list}]
`,
			want: "reason must not contain",
		},
		{
			name: "ratio out of range",
			body: `
conditions:
  - label: c1
    max_allowed_matching_ratio: 1.5
    dimensions: [{module: stolen_list}]
`,
			want: "max_allowed_matching_ratio",
		},
		{
			name: "amnesty on non-blocking",
			body: `
conditions:
  - label: c1
    blocking: false
    amnesty_eligible: true
    dimensions: [{module: stolen_list}]
`,
			want: "amnesty_eligible requires blocking",
		},
		{
			name: "duplicate labels after lowercasing",
			body: `
conditions:
  - label: Dup
    dimensions: [{module: stolen_list}]
  - label: dup
    dimensions: [{module: stolen_list}]
`,
			want: "duplicate label",
		},
		{
			name: "bad label characters",
			body: `
conditions:
  - label: "has space"
    dimensions: [{module: stolen_list}]
`,
			want: "label",
		},
		{
			name: "no dimensions",
			body: `
conditions:
  - label: c1
    dimensions: []
`,
			want: "at least one dimension",
		},
		{
			name: "bad operator id",
			body: `
region:
  operators:
    - id: "Operator-1"
`,
			want: "id",
		},
		{
			name: "operator prefix shadows another",
			body: `
region:
  operators:
    - id: operator1
      mcc_mnc_pairs: [{mcc: "111", mnc: "0"}]
    - id: operator2
      mcc_mnc_pairs: [{mcc: "111", mnc: "01"}]
`,
			want: "overlaps",
		},
		{
			name: "duplicate prefix across operators",
			body: `
region:
  operators:
    - id: operator1
      mcc_mnc_pairs: [{mcc: "111", mnc: "01"}]
    - id: operator2
      mcc_mnc_pairs: [{mcc: "111", mnc: "01"}]
`,
			want: "overlaps",
		},
		{
			name: "amnesty dates out of order",
			body: `
amnesty:
  enabled: true
  evaluation_period_end_date: 20170701
  amnesty_period_end_date: 20170201
`,
			want: "must precede",
		},
		{
			name: "db connections over ceiling",
			body: `
multiprocessing:
  max_db_connections: 64
`,
			want: "max_db_connections",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
			var cfgErr *config.Error
			require.ErrorAs(t, err, &cfgErr)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	d, err := config.ParseDate("20170131")
	require.NoError(t, err)
	require.Equal(t, "20170131", d.String())

	_, err = config.ParseDate("2017-01-31")
	require.Error(t, err)
	_, err = config.ParseDate("20171331")
	require.Error(t, err)
}
