package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AdaptersConfig holds credentials and endpoints for the external systems.
// It is read from a file managed outside this repository (ADAPTERS_CONFIG),
// with SURV_-prefixed environment variables taking precedence, e.g.
// SURV_LABWARE_PASSWORD overrides labware.password.
type AdaptersConfig struct {
	Labware LabwareConfig `mapstructure:"labware"`
	Nedss   SinkConfig    `mapstructure:"nedss"`
	Arboret SinkConfig    `mapstructure:"arboret"`

	// Regions is the county code table used for validation.
	Regions []string `mapstructure:"regions"`

	// PseudonymKey keys the HMAC applied to source patient identifiers.
	PseudonymKey string `mapstructure:"pseudonym_key"`
}

// LabwareConfig holds LIMS connection settings.
type LabwareConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	SourceID     string        `mapstructure:"source_id"`
	Server       string        `mapstructure:"server"`
	Database     string        `mapstructure:"database"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Port         int           `mapstructure:"port"`
	Encrypt      bool          `mapstructure:"encrypt"`
	ResultView   string        `mapstructure:"result_view"`
	PageSize     int           `mapstructure:"page_size"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// SinkConfig holds settings for an HTTP submission endpoint.
type SinkConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	SinkID            string        `mapstructure:"sink_id"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

var adapterDefaults = map[string]any{
	"labware.enabled":             false,
	"labware.source_id":           "labware",
	"labware.server":              "",
	"labware.database":            "LIMS",
	"labware.username":            "",
	"labware.password":            "",
	"labware.port":                1433,
	"labware.encrypt":             true,
	"labware.result_view":         "dbo.SURV_RESULTS",
	"labware.page_size":           500,
	"labware.query_timeout":       "45s",
	"nedss.enabled":               false,
	"nedss.sink_id":               "nedss",
	"nedss.base_url":              "",
	"nedss.api_key":               "",
	"nedss.requests_per_second":   5.0,
	"nedss.burst":                 5,
	"nedss.timeout":               "30s",
	"arboret.enabled":             false,
	"arboret.sink_id":             "arboret",
	"arboret.base_url":            "",
	"arboret.api_key":             "",
	"arboret.requests_per_second": 2.0,
	"arboret.burst":               2,
	"arboret.timeout":             "30s",
	"pseudonym_key":               "",
	"regions":                     DefaultRegions,
}

// DefaultRegions is used when the adapters file does not list counties.
var DefaultRegions = []string{
	"ALAMEDA", "CONTRA_COSTA", "FRESNO", "KERN", "LOS_ANGELES", "ORANGE",
	"RIVERSIDE", "SACRAMENTO", "SAN_BERNARDINO", "SAN_DIEGO", "SAN_JOAQUIN",
	"SANTA_CLARA", "STANISLAUS", "TULARE",
}

// LoadAdapters reads the adapter credentials file. A missing file is not an
// error; every adapter then stays disabled unless enabled through the
// environment.
func LoadAdapters(path string) (*AdaptersConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("SURV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range adapterDefaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, fmt.Errorf("read adapters config: %w", err)
			}
		}
	}

	cfg := &AdaptersConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal adapters config: %w", err)
	}

	if cfg.Labware.Enabled && cfg.Labware.Server == "" {
		return nil, fmt.Errorf("labware.server is required when labware is enabled")
	}
	if cfg.Nedss.Enabled && cfg.Nedss.BaseURL == "" {
		return nil, fmt.Errorf("nedss.base_url is required when nedss is enabled")
	}
	if cfg.Arboret.Enabled && cfg.Arboret.BaseURL == "" {
		return nil, fmt.Errorf("arboret.base_url is required when arboret is enabled")
	}
	if cfg.Labware.Enabled && cfg.PseudonymKey == "" {
		return nil, fmt.Errorf("pseudonym_key is required when labware is enabled")
	}

	return cfg, nil
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
