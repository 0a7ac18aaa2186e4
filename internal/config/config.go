// Package config loads go-epd configuration from defaults, an optional YAML
// file, EPD_ prefixed environment variables and bound command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. EPD_PCO_CODE.
const EnvPrefix = "EPD"

// Config holds application configuration
type Config struct {
	Portal  PortalConfig
	Query   QueryConfig
	Output  OutputConfig
	Server  ServerConfig
	Tracing TracingConfig
	Reports ReportsConfig

	LogLevel string
}

// PortalConfig describes the open-data portal
type PortalConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// QueryConfig holds the analysis parameters
type QueryConfig struct {
	Resources []string
	PCOCode   string
	Substance string
	Contains  string
	Top       int
	Limit     int
}

// OutputConfig controls where charts are written
type OutputConfig struct {
	ChartDir string
}

// ServerConfig is used by epd-api only
type ServerConfig struct {
	Port    string
	APIKeys map[string]string
}

// TracingConfig enables OTLP export when Endpoint is set
type TracingConfig struct {
	Endpoint    string
	SampleRate  float64
	Environment string
}

// ReportsConfig enables the report sink when Brokers is non-empty
type ReportsConfig struct {
	Brokers []string
	Topic   string
}

// Keys used in viper. Dots map to nested YAML sections and to underscores in
// environment variable names.
const (
	KeyBaseURL     = "portal.base_url"
	KeyTimeout     = "portal.timeout"
	KeyRateLimit   = "portal.rate_limit"
	KeyRateBurst   = "portal.rate_burst"
	KeyResources   = "query.resources"
	KeyPCOCode     = "query.pco_code"
	KeySubstance   = "query.substance"
	KeyContains    = "query.contains"
	KeyTop         = "query.top"
	KeyLimit       = "query.limit"
	KeyChartDir    = "output.chart_dir"
	KeyPort        = "server.port"
	KeyAPIKeys     = "server.api_keys"
	KeyOTLP        = "tracing.endpoint"
	KeySampleRate  = "tracing.sample_rate"
	KeyEnvironment = "tracing.environment"
	KeyBrokers     = "reports.brokers"
	KeyTopic       = "reports.topic"
	KeyLogLevel    = "log_level"
)

// SetDefaults registers defaults that reproduce the Newcastle Gateshead
// paracetamol exploration for January 2020.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyBaseURL, "https://opendata.nhsbsa.net/api/3/action")
	v.SetDefault(KeyTimeout, 60*time.Second)
	v.SetDefault(KeyRateLimit, 2.0)
	v.SetDefault(KeyRateBurst, 1)
	v.SetDefault(KeyResources, []string{"EPD_202001"})
	v.SetDefault(KeyPCOCode, "13T00")
	v.SetDefault(KeySubstance, "0407010H0")
	v.SetDefault(KeyContains, "tablet")
	v.SetDefault(KeyTop, 10)
	v.SetDefault(KeyLimit, 0)
	v.SetDefault(KeyChartDir, "charts")
	v.SetDefault(KeyPort, "8082")
	v.SetDefault(KeySampleRate, 1.0)
	v.SetDefault(KeyEnvironment, "development")
	v.SetDefault(KeyTopic, "epd.reports")
	v.SetDefault(KeyLogLevel, "info")
}

// New returns a viper instance with defaults and environment binding.
// If file is non-empty it is read as YAML.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load builds a Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Portal: PortalConfig{
			BaseURL:   strings.TrimRight(v.GetString(KeyBaseURL), "/"),
			Timeout:   v.GetDuration(KeyTimeout),
			RateLimit: v.GetFloat64(KeyRateLimit),
			RateBurst: v.GetInt(KeyRateBurst),
		},
		Query: QueryConfig{
			Resources: splitList(v.GetStringSlice(KeyResources)),
			PCOCode:   v.GetString(KeyPCOCode),
			Substance: v.GetString(KeySubstance),
			Contains:  v.GetString(KeyContains),
			Top:       v.GetInt(KeyTop),
			Limit:     v.GetInt(KeyLimit),
		},
		Output: OutputConfig{
			ChartDir: v.GetString(KeyChartDir),
		},
		Server: ServerConfig{
			Port:    v.GetString(KeyPort),
			APIKeys: v.GetStringMapString(KeyAPIKeys),
		},
		Tracing: TracingConfig{
			Endpoint:    v.GetString(KeyOTLP),
			SampleRate:  v.GetFloat64(KeySampleRate),
			Environment: v.GetString(KeyEnvironment),
		},
		Reports: ReportsConfig{
			Brokers: splitList(v.GetStringSlice(KeyBrokers)),
			Topic:   v.GetString(KeyTopic),
		},
		LogLevel: v.GetString(KeyLogLevel),
	}
	return cfg, cfg.Validate()
}

// Validate checks the values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("%s is required", KeyBaseURL)
	}
	if len(c.Query.Resources) == 0 {
		return fmt.Errorf("%s must name at least one resource", KeyResources)
	}
	if c.Query.Top <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyTop, c.Query.Top)
	}
	if c.Query.Limit < 0 {
		return fmt.Errorf("%s must not be negative, got %d", KeyLimit, c.Query.Limit)
	}
	if c.Portal.RateLimit < 0 {
		return fmt.Errorf("%s must not be negative", KeyRateLimit)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
