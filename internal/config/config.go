// Package config loads and validates the DIRBS configuration file. The file
// is YAML; a small set of connection settings can be overridden through
// DIRBS_* environment variables so deployments can keep credentials out of
// the file. Validation failures are fatal at startup and never mid-run.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile overrides the config file search path.
const EnvConfigFile = "DIRBS_CONFIG_FILE"

// MaxDBConnectionsCeiling is the hard upper bound on the database pool size.
const MaxDBConnectionsCeiling = 32

// Error reports an invalid or missing configuration value. It is raised
// during Load only; once a Config is handed out it is fully validated.
type Error struct {
	Section string
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid config [%s]: %s", e.Section, e.Msg)
}

func errf(section, format string, args ...any) *Error {
	return &Error{Section: section, Msg: fmt.Sprintf(format, args...)}
}

// Config is the root of the DIRBS configuration.
type Config struct {
	Env             string          `yaml:"environment"`
	DB              DB              `yaml:"postgresql"`
	Statsd          Statsd          `yaml:"statsd"`
	Kafka           Kafka           `yaml:"kafka"`
	Region          Region          `yaml:"region"`
	Conditions      []Condition     `yaml:"conditions"`
	Import          Import          `yaml:"import"`
	ListGen         ListGen         `yaml:"listgen"`
	Amnesty         Amnesty         `yaml:"amnesty"`
	Multiprocessing Multiprocessing `yaml:"multiprocessing"`
	Catalog         Catalog         `yaml:"catalog"`
	Retention       Retention       `yaml:"retention"`
}

type DB struct {
	Database string `yaml:"database"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Statsd struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

type Kafka struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Topic      string `yaml:"topic"`
	Protocol   string `yaml:"protocol"` // PLAINTEXT or SSL
	ClientCert string `yaml:"client_certificate"`
	ClientKey  string `yaml:"client_key"`
	CARootCert string `yaml:"caroot_certificate"`
}

type Region struct {
	Name                string     `yaml:"name"`
	CountryCodes        []string   `yaml:"country_codes"`
	ExemptedDeviceTypes []string   `yaml:"exempted_device_types"`
	Operators           []Operator `yaml:"operators"`
}

type Operator struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	MccMncPairs []MccMnc `yaml:"mcc_mnc_pairs"`
}

type MccMnc struct {
	Mcc string `yaml:"mcc"`
	Mnc string `yaml:"mnc"`
}

// ImsiPrefixes returns the home-network IMSI prefixes for the operator.
func (o Operator) ImsiPrefixes() []string {
	prefixes := make([]string, 0, len(o.MccMncPairs))
	for _, p := range o.MccMncPairs {
		prefixes = append(prefixes, p.Mcc+p.Mnc)
	}
	return prefixes
}

// ImsiPrefixes returns the union of all operators' IMSI prefixes, the
// in-region set used by the out-of-region threshold check.
func (r Region) ImsiPrefixes() []string {
	var prefixes []string
	seen := map[string]bool{}
	for _, op := range r.Operators {
		for _, p := range op.ImsiPrefixes() {
			if !seen[p] {
				seen[p] = true
				prefixes = append(prefixes, p)
			}
		}
	}
	return prefixes
}

// Condition configures one classification condition. Dimensions are
// intersected to produce the condition's matching set.
type Condition struct {
	Label                   string      `yaml:"label"`
	Reason                  string      `yaml:"reason"`
	GracePeriodDays         int         `yaml:"grace_period_days"`
	Blocking                bool        `yaml:"blocking"`
	Sticky                  bool        `yaml:"sticky"`
	MaxAllowedMatchingRatio float64     `yaml:"max_allowed_matching_ratio"`
	AmnestyEligible         bool        `yaml:"amnesty_eligible"`
	Dimensions              []Dimension `yaml:"dimensions"`
}

type Dimension struct {
	Module     string         `yaml:"module"`
	Parameters map[string]any `yaml:"parameters"`
	Invert     bool           `yaml:"invert"`
}

type Import struct {
	BatchSize             int                `yaml:"batch_size"`
	SizeVariationAbsolute int64              `yaml:"size_variation_absolute"`
	SizeVariationPercent  float64            `yaml:"size_variation_percent"`
	DeltaSanityRatio      float64            `yaml:"delta_sanity_ratio"`
	TmpDir                string             `yaml:"tmp_dir"`
	Operator              OperatorThresholds `yaml:"operator_thresholds"`
}

// OperatorThresholds are the row-invariant caps applied to operator data
// imports, each a maximum allowed fraction of the input rows.
type OperatorThresholds struct {
	NullImeiRatio        float64 `yaml:"null_imei_ratio"`
	NullImsiRatio        float64 `yaml:"null_imsi_ratio"`
	NullMsisdnRatio      float64 `yaml:"null_msisdn_ratio"`
	NullRatRatio         float64 `yaml:"null_rat_ratio"`
	LeadingZeroRatio     float64 `yaml:"leading_zero_ratio"`
	OutOfRegionImsiRatio float64 `yaml:"out_of_region_imsi_ratio"`
	NonHomeNetworkRatio  float64 `yaml:"non_home_network_ratio"`
}

type ListGen struct {
	LookbackDays                   int     `yaml:"lookback_days"`
	RestrictExceptionsToBlacklist  bool    `yaml:"restrict_exceptions_list_to_blacklisted_imeis"`
	IncludeBarredIMEIsInExceptions bool    `yaml:"include_barred_imeis_in_exceptions_list"`
	MaxDeltaFraction               float64 `yaml:"max_delta_fraction"`
}

type Amnesty struct {
	Enabled                 bool `yaml:"enabled"`
	EvaluationPeriodEndDate Date `yaml:"evaluation_period_end_date"`
	AmnestyPeriodEndDate    Date `yaml:"amnesty_period_end_date"`
}

type Multiprocessing struct {
	MaxLocalCPUs     int `yaml:"max_local_cpus"`
	MaxDBConnections int `yaml:"max_db_connections"`
}

type Catalog struct {
	Prospectors []Prospector `yaml:"prospectors"`
}

type Prospector struct {
	FileType string   `yaml:"file_type"`
	Paths    []string `yaml:"paths"`
}

type Retention struct {
	MonthsRetention int `yaml:"months_retention"`
}

// Default returns a Config populated with defaults. Loading YAML on top only
// overwrites the keys present in the document.
func Default() *Config {
	return &Config{
		DB: DB{
			Database: "dirbs",
			Host:     "localhost",
			Port:     5432,
			User:     "dirbs",
		},
		Statsd: Statsd{Port: 8125},
		Kafka:  Kafka{Port: 9092, Protocol: "PLAINTEXT"},
		Import: Import{
			BatchSize:             100000,
			SizeVariationAbsolute: 1000,
			SizeVariationPercent:  0.75,
			DeltaSanityRatio:      0,
			Operator: OperatorThresholds{
				NullImeiRatio:        0.05,
				NullImsiRatio:        0.05,
				NullMsisdnRatio:      0.05,
				NullRatRatio:         0.05,
				LeadingZeroRatio:     0.01,
				OutOfRegionImsiRatio: 0.1,
				NonHomeNetworkRatio:  0.2,
			},
		},
		ListGen: ListGen{
			LookbackDays:     60,
			MaxDeltaFraction: 0.75,
		},
		Multiprocessing: Multiprocessing{
			MaxLocalCPUs:     defaultLocalCPUs(),
			MaxDBConnections: 4,
		},
		Retention: Retention{MonthsRetention: 6},
	}
}

func defaultLocalCPUs() int {
	n := runtime.NumCPU() / 2
	if max := runtime.NumCPU() - 1; n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Load reads the config file, applies environment overrides and validates.
// When path is empty the file is searched at DIRBS_CONFIG_FILE, ~/.dirbs.yml
// and /opt/dirbs/etc/config.yml; a missing file is not an error, defaults
// plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		b, err := os.ReadFile(resolved)
		if err != nil {
			return nil, errf("file", "cannot read %s: %v", resolved, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(b)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, errf("file", "cannot parse %s: %v", resolved, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", errf("file", "config file %s: %v", path, err)
		}
		return path, nil
	}
	if env := os.Getenv(EnvConfigFile); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", errf("file", "%s=%s: %v", EnvConfigFile, env, err)
		}
		return env, nil
	}
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".dirbs.yml"))
	}
	candidates = append(candidates, "/opt/dirbs/etc/config.yml")
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

func (c *Config) applyEnv() {
	c.DB.Database = getenv("DIRBS_DB_DATABASE", c.DB.Database)
	c.DB.Host = getenv("DIRBS_DB_HOST", c.DB.Host)
	c.DB.Port = getenvInt("DIRBS_DB_PORT", c.DB.Port)
	c.DB.User = getenv("DIRBS_DB_USER", c.DB.User)
	c.DB.Password = getenv("DIRBS_DB_PASSWORD", c.DB.Password)

	c.Statsd.Hostname = getenv("DIRBS_STATSD_HOST", c.Statsd.Hostname)
	c.Statsd.Port = getenvInt("DIRBS_STATSD_PORT", c.Statsd.Port)
	c.Env = getenv("DIRBS_ENV", c.Env)

	c.Kafka.Host = getenv("DIRBS_KAFKA_HOST", c.Kafka.Host)
	c.Kafka.Port = getenvInt("DIRBS_KAFKA_PORT", c.Kafka.Port)
	c.Kafka.Topic = getenv("DIRBS_KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.Protocol = getenv("DIRBS_KAFKA_PROTOCOL", c.Kafka.Protocol)
	c.Kafka.ClientCert = getenv("DIRBS_KAFKA_CLIENT_CERT", c.Kafka.ClientCert)
	c.Kafka.ClientKey = getenv("DIRBS_KAFKA_CLIENT_KEY", c.Kafka.ClientKey)
	c.Kafka.CARootCert = getenv("DIRBS_KAFKA_CAROOT_CERT", c.Kafka.CARootCert)
}

var (
	labelPattern      = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)
	operatorIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,16}$`)
	digitsPattern     = regexp.MustCompile(`^[0-9]+$`)
)

// Validate checks the whole configuration and normalizes condition labels to
// lower case.
func (c *Config) Validate() error {
	if c.DB.Database == "" || c.DB.Host == "" || c.DB.User == "" {
		return errf("postgresql", "database, host and user are required")
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		return errf("postgresql", "port %d out of range", c.DB.Port)
	}

	switch strings.ToUpper(c.Kafka.Protocol) {
	case "", "PLAINTEXT":
	case "SSL":
		if c.Kafka.ClientCert == "" || c.Kafka.ClientKey == "" || c.Kafka.CARootCert == "" {
			return errf("kafka", "SSL protocol requires client_certificate, client_key and caroot_certificate")
		}
	default:
		return errf("kafka", "unknown protocol %q, want PLAINTEXT or SSL", c.Kafka.Protocol)
	}

	seenOps := map[string]bool{}
	for i, op := range c.Region.Operators {
		if !operatorIDPattern.MatchString(op.ID) {
			return errf("region", "operator %d: id %q must match %s", i, op.ID, operatorIDPattern)
		}
		if seenOps[op.ID] {
			return errf("region", "duplicate operator id %q", op.ID)
		}
		seenOps[op.ID] = true
		for _, p := range op.MccMncPairs {
			if !digitsPattern.MatchString(p.Mcc) || !digitsPattern.MatchString(p.Mnc) {
				return errf("region", "operator %q: mcc/mnc must be numeric", op.ID)
			}
		}
	}
	for _, cc := range c.Region.CountryCodes {
		if !digitsPattern.MatchString(cc) {
			return errf("region", "country code %q must be numeric", cc)
		}
	}

	// IMSI prefixes attribute rows to operators by longest-match LIKE; one
	// prefix shadowing another would silently misattribute, so the full set
	// must be prefix-free.
	type opPrefix struct {
		opID   string
		prefix string
	}
	var prefixes []opPrefix
	for _, op := range c.Region.Operators {
		for _, p := range op.ImsiPrefixes() {
			prefixes = append(prefixes, opPrefix{opID: op.ID, prefix: p})
		}
	}
	for i, a := range prefixes {
		for _, b := range prefixes[i+1:] {
			if strings.HasPrefix(a.prefix, b.prefix) || strings.HasPrefix(b.prefix, a.prefix) {
				return errf("region", "operator %q prefix %s overlaps operator %q prefix %s",
					a.opID, a.prefix, b.opID, b.prefix)
			}
		}
	}

	seenLabels := map[string]bool{}
	for i := range c.Conditions {
		cond := &c.Conditions[i]
		if !labelPattern.MatchString(cond.Label) {
			return errf("conditions", "label %q must match %s", cond.Label, labelPattern)
		}
		cond.Label = strings.ToLower(cond.Label)
		if seenLabels[cond.Label] {
			return errf("conditions", "duplicate label %q", cond.Label)
		}
		seenLabels[cond.Label] = true
		if strings.Contains(cond.Reason, "|") {
			return errf("conditions", "%s: reason must not contain '|'", cond.Label)
		}
		if cond.Reason == "" {
			cond.Reason = cond.Label
		}
		if cond.GracePeriodDays < 0 {
			return errf("conditions", "%s: grace_period_days must be >= 0", cond.Label)
		}
		if cond.MaxAllowedMatchingRatio == 0 {
			cond.MaxAllowedMatchingRatio = 0.1
		}
		if cond.MaxAllowedMatchingRatio < 0 || cond.MaxAllowedMatchingRatio > 1 {
			return errf("conditions", "%s: max_allowed_matching_ratio must be in [0,1]", cond.Label)
		}
		if cond.AmnestyEligible && !cond.Blocking {
			return errf("conditions", "%s: amnesty_eligible requires blocking", cond.Label)
		}
		if len(cond.Dimensions) == 0 {
			return errf("conditions", "%s: at least one dimension required", cond.Label)
		}
		for _, d := range cond.Dimensions {
			if d.Module == "" {
				return errf("conditions", "%s: dimension module required", cond.Label)
			}
		}
	}

	if c.Import.BatchSize <= 0 {
		return errf("import", "batch_size must be positive")
	}
	for name, v := range map[string]float64{
		"size_variation_percent":   c.Import.SizeVariationPercent,
		"delta_sanity_ratio":       c.Import.DeltaSanityRatio,
		"null_imei_ratio":          c.Import.Operator.NullImeiRatio,
		"null_imsi_ratio":          c.Import.Operator.NullImsiRatio,
		"null_msisdn_ratio":        c.Import.Operator.NullMsisdnRatio,
		"null_rat_ratio":           c.Import.Operator.NullRatRatio,
		"leading_zero_ratio":       c.Import.Operator.LeadingZeroRatio,
		"out_of_region_imsi_ratio": c.Import.Operator.OutOfRegionImsiRatio,
		"non_home_network_ratio":   c.Import.Operator.NonHomeNetworkRatio,
	} {
		if v < 0 || v > 1 {
			return errf("import", "%s must be in [0,1]", name)
		}
	}

	if c.ListGen.LookbackDays <= 0 {
		return errf("listgen", "lookback_days must be positive")
	}
	if c.ListGen.MaxDeltaFraction < 0 {
		return errf("listgen", "max_delta_fraction must be >= 0")
	}

	if c.Amnesty.Enabled {
		if c.Amnesty.EvaluationPeriodEndDate.IsZero() || c.Amnesty.AmnestyPeriodEndDate.IsZero() {
			return errf("amnesty", "evaluation_period_end_date and amnesty_period_end_date required when enabled")
		}
		if !c.Amnesty.EvaluationPeriodEndDate.Before(c.Amnesty.AmnestyPeriodEndDate.Time) {
			return errf("amnesty", "evaluation_period_end_date must precede amnesty_period_end_date")
		}
	}

	if c.Multiprocessing.MaxLocalCPUs < 1 {
		return errf("multiprocessing", "max_local_cpus must be >= 1")
	}
	if c.Multiprocessing.MaxDBConnections < 1 || c.Multiprocessing.MaxDBConnections > MaxDBConnectionsCeiling {
		return errf("multiprocessing", "max_db_connections must be in [1,%d]", MaxDBConnectionsCeiling)
	}

	for _, p := range c.Catalog.Prospectors {
		if p.FileType == "" || len(p.Paths) == 0 {
			return errf("catalog", "prospector needs file_type and at least one path")
		}
	}

	if c.Retention.MonthsRetention < 1 {
		return errf("retention", "months_retention must be >= 1")
	}
	return nil
}

// ConditionByLabel returns the condition with the given (lowercased) label.
func (c *Config) ConditionByLabel(label string) (Condition, bool) {
	label = strings.ToLower(label)
	for _, cond := range c.Conditions {
		if cond.Label == label {
			return cond, true
		}
	}
	return Condition{}, false
}

// OperatorByID returns the operator with the given id.
func (c *Config) OperatorByID(id string) (Operator, bool) {
	for _, op := range c.Region.Operators {
		if op.ID == id {
			return op, true
		}
	}
	return Operator{}, false
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
