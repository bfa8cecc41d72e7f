// Package config loads the Options surface from a YAML file, applying the
// same defaults and validation a caller would otherwise have to hand-roll
// when constructing an Options struct in code.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryCounts holds the per-phase retry budget. -1 means unlimited.
type RetryCounts struct {
	Negotiate int `yaml:"negotiate"`
	Connect   int `yaml:"connect"`
	Start     int `yaml:"start"`
}

// WatchdogSetting configures one feed category's staleness policy.
type WatchdogSetting struct {
	TimeoutMs int  `yaml:"timeout_ms"`
	Reconnect bool `yaml:"reconnect"`
}

// WatchdogConfig is the watchdog.<feed> section of the Options surface.
type WatchdogConfig struct {
	Markets WatchdogSetting `yaml:"markets"`
	Tickers WatchdogSetting `yaml:"tickers"`
	Summary WatchdogSetting `yaml:"summary"`
}

// HubMethods names the corehub invocation methods the facade calls for
// each subscription kind. Defaulted to the typical Bittrex-style method
// names.
type HubMethods struct {
	SubscribeToExchangeDeltas string `yaml:"subscribe_to_exchange_deltas"`
	QueryExchangeState        string `yaml:"query_exchange_state"`
	SubscribeToSummaryDeltas  string `yaml:"subscribe_to_summary_deltas"`
	SubscribeToSummaryLite    string `yaml:"subscribe_to_summary_lite_deltas"`
}

// Options is the full configuration surface for a Client, loadable from
// YAML or constructed directly in code.
type Options struct {
	Host           string `yaml:"host"`
	Endpoint       string `yaml:"endpoint"`
	ConnectionData string `yaml:"connection_data"`

	PingTimeoutMs    int    `yaml:"ping_timeout_ms"`
	UserAgent        string `yaml:"user_agent"`
	IgnoreStartStep  bool   `yaml:"ignore_start_step"`
	RetryDelayMs     int    `yaml:"retry_delay_ms"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	EventBufferSize  int    `yaml:"event_buffer_size"`
	LogLevel         string `yaml:"log_level"`

	RetryCount RetryCounts    `yaml:"retry_count"`
	Watchdog   WatchdogConfig `yaml:"watchdog"`
	HubMethods HubMethods     `yaml:"hub_methods"`
}

// Load reads and validates an Options struct from a YAML file at path,
// applying defaults for anything left unset.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var o Options
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	o.ApplyDefaults()

	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &o, nil
}

// ApplyDefaults fills in every unset field with the package's defaults.
// Load calls this automatically; callers constructing an Options directly
// in code should call it themselves before passing it to NewClient.
func (o *Options) ApplyDefaults() {
	if o.PingTimeoutMs == 0 {
		o.PingTimeoutMs = 30000
	}
	if o.UserAgent == "" {
		o.UserAgent = "MPE"
	}
	if o.RetryDelayMs == 0 {
		o.RetryDelayMs = 10000
	}
	if o.ReconnectDelayMs == 0 {
		o.ReconnectDelayMs = o.RetryDelayMs
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = 256
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}

	if o.RetryCount.Negotiate == 0 {
		o.RetryCount.Negotiate = 11
	}
	if o.RetryCount.Connect == 0 {
		o.RetryCount.Connect = 1
	}
	if o.RetryCount.Start == 0 {
		o.RetryCount.Start = 1
	}

	if o.HubMethods.SubscribeToExchangeDeltas == "" {
		o.HubMethods.SubscribeToExchangeDeltas = "SubscribeToExchangeDeltas"
	}
	if o.HubMethods.QueryExchangeState == "" {
		o.HubMethods.QueryExchangeState = "QueryExchangeState"
	}
	if o.HubMethods.SubscribeToSummaryDeltas == "" {
		o.HubMethods.SubscribeToSummaryDeltas = "SubscribeToSummaryDeltas"
	}
	if o.HubMethods.SubscribeToSummaryLite == "" {
		o.HubMethods.SubscribeToSummaryLite = "SubscribeToSummaryLiteDeltas"
	}

	if o.ConnectionData == "" {
		o.ConnectionData = `[{"name":"corehub"}]`
	}
}

// Validate checks that required fields are present and numeric fields are
// in a sane range.
func (o *Options) Validate() error {
	var errs []string

	if o.Host == "" {
		errs = append(errs, "host: must not be empty")
	}
	if o.Endpoint == "" {
		errs = append(errs, "endpoint: must not be empty")
	}
	if o.PingTimeoutMs < 0 {
		errs = append(errs, "ping_timeout_ms: must not be negative")
	}
	if o.RetryDelayMs <= 0 {
		errs = append(errs, "retry_delay_ms: must be positive")
	}
	if o.EventBufferSize <= 0 {
		errs = append(errs, "event_buffer_size: must be positive")
	}

	if len(errs) > 0 {
		msg := "invalid configuration:"
		for _, e := range errs {
			msg += "\n  - " + e
		}
		return fmt.Errorf("%s", msg)
	}

	return nil
}

// PingTimeout returns PingTimeoutMs as a time.Duration.
func (o *Options) PingTimeout() time.Duration {
	return time.Duration(o.PingTimeoutMs) * time.Millisecond
}

// RetryDelay returns RetryDelayMs as a time.Duration.
func (o *Options) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelayMs) * time.Millisecond
}

// ReconnectDelay returns ReconnectDelayMs as a time.Duration.
func (o *Options) ReconnectDelay() time.Duration {
	return time.Duration(o.ReconnectDelayMs) * time.Millisecond
}
