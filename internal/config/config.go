// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Target     TargetConfig     `mapstructure:"target" yaml:"target"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Network    NetworkConfig    `mapstructure:"network" yaml:"network"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Callback   CallbackConfig   `mapstructure:"callback" yaml:"callback"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts" yaml:"artifacts"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser process.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args     []string `mapstructure:"args" yaml:"args"`

	// LaunchRetries bounds the number of launch attempts; each attempt is
	// health-checked by opening and closing a throwaway tab.
	LaunchRetries    int           `mapstructure:"launch_retries" yaml:"launch_retries"`
	LaunchRetryDelay time.Duration `mapstructure:"launch_retry_delay" yaml:"launch_retry_delay"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`

	// BusyStaleness is the duration after which a held-but-unresponsive
	// session lock is presumed abandoned and force-cleared.
	BusyStaleness time.Duration `mapstructure:"busy_staleness" yaml:"busy_staleness"`
}

// TargetConfig describes the remote verification site: where to go and
// which DOM selectors drive the form.
type TargetConfig struct {
	ProbeURL string `mapstructure:"probe_url" yaml:"probe_url"`
	FormURL  string `mapstructure:"form_url" yaml:"form_url"`

	// TitleFragments must appear in the loaded page for navigation to be
	// accepted; DenialMarkers must not.
	TitleFragments []string `mapstructure:"title_fragments" yaml:"title_fragments"`
	DenialMarkers  []string `mapstructure:"denial_markers" yaml:"denial_markers"`

	ConsentModalSelector string `mapstructure:"consent_modal_selector" yaml:"consent_modal_selector"`

	LoginUserSelector   string `mapstructure:"login_user_selector" yaml:"login_user_selector"`
	LoginPassSelector   string `mapstructure:"login_pass_selector" yaml:"login_pass_selector"`
	LoginSubmitSelector string `mapstructure:"login_submit_selector" yaml:"login_submit_selector"`

	SSNSelector        string `mapstructure:"ssn_selector" yaml:"ssn_selector"`
	SSNConfirmSelector string `mapstructure:"ssn_confirm_selector" yaml:"ssn_confirm_selector"`
	LastNameSelector   string `mapstructure:"last_name_selector" yaml:"last_name_selector"`
	FirstNameSelector  string `mapstructure:"first_name_selector" yaml:"first_name_selector"`
	BirthDateSelector  string `mapstructure:"birth_date_selector" yaml:"birth_date_selector"`

	ConsentCheckboxName string `mapstructure:"consent_checkbox_name" yaml:"consent_checkbox_name"`
	SubmitSelector      string `mapstructure:"submit_selector" yaml:"submit_selector"`
}

// RetryConfig tunes the resilient navigation engine.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// NetworkConfig tunes timeouts against the slow, access-restricted remote
// site.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`

	// RequestsPerSecond throttles navigations so the automation stays
	// polite against the rate-limited remote site. Zero disables it.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// ClassifierConfig parameterizes the document-classification heuristic.
type ClassifierConfig struct {
	TableStartMarker string   `mapstructure:"table_start_marker" yaml:"table_start_marker"`
	TableEndMarker   string   `mapstructure:"table_end_marker" yaml:"table_end_marker"`
	Placeholders     []string `mapstructure:"placeholders" yaml:"placeholders"`
}

// CallbackConfig tunes the callback delivery subsystem.
type CallbackConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ArtifactsConfig locates the run artifact tree and bounds the shared
// error log.
type ArtifactsConfig struct {
	BaseDir     string `mapstructure:"base_dir" yaml:"base_dir"`
	ErrorLogCap int    `mapstructure:"error_log_cap" yaml:"error_log_cap"`

	// SafetyTimer bounds the time a run may take to reach its first
	// successful navigation before being abandoned.
	SafetyTimer time.Duration `mapstructure:"safety_timer" yaml:"safety_timer"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "milstatus")
	v.SetDefault("logger.log_file", "milstatus.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_retries", 3)
	v.SetDefault("browser.launch_retry_delay", "2s")
	v.SetDefault("browser.health_timeout", "15s")
	v.SetDefault("browser.busy_staleness", "30s")

	// -- Target --
	v.SetDefault("target.probe_url", "https://www.google.com")
	v.SetDefault("target.form_url", "https://scra.dmdc.osd.mil/scra/#/single-record")
	v.SetDefault("target.title_fragments", []string{"SCRA", "Single Record Request"})
	v.SetDefault("target.denial_markers", []string{"Access Denied", "Forbidden"})
	v.SetDefault("target.consent_modal_selector", "#consentAcknowledge")
	v.SetDefault("target.login_user_selector", "#username")
	v.SetDefault("target.login_pass_selector", "#password")
	v.SetDefault("target.login_submit_selector", "#login-submit")
	v.SetDefault("target.ssn_selector", "#ssn")
	v.SetDefault("target.ssn_confirm_selector", "#ssnConfirmation")
	v.SetDefault("target.last_name_selector", "#lastName")
	v.SetDefault("target.first_name_selector", "#firstName")
	v.SetDefault("target.birth_date_selector", "#dateOfBirth")
	v.SetDefault("target.consent_checkbox_name", "acknowledge")
	v.SetDefault("target.submit_selector", "#submit-record")

	// -- Retry --
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", "2s")
	v.SetDefault("retry.max_delay", "30s")

	// -- Network --
	v.SetDefault("network.navigation_timeout", "90s")
	v.SetDefault("network.download_timeout", "120s")
	v.SetDefault("network.requests_per_second", 1.0)

	// -- Classifier --
	v.SetDefault("classifier.table_start_marker", "Active Duty Status")
	v.SetDefault("classifier.table_end_marker", "Upon searching the data banks")
	v.SetDefault("classifier.placeholders", []string{"NA", "N/A", "X"})

	// -- Callback --
	v.SetDefault("callback.timeout", "60s")

	// -- Artifacts --
	v.SetDefault("artifacts.base_dir", "runs")
	v.SetDefault("artifacts.error_log_cap", 100)
	v.SetDefault("artifacts.safety_timer", "3m")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.LaunchRetries <= 0 {
		return fmt.Errorf("browser.launch_retries must be a positive integer")
	}
	if c.Browser.BusyStaleness <= 0 {
		return fmt.Errorf("browser.busy_staleness must be a positive duration")
	}
	if c.Target.FormURL == "" {
		return fmt.Errorf("target.form_url is a required configuration field")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Classifier.TableStartMarker == "" || c.Classifier.TableEndMarker == "" {
		return fmt.Errorf("classifier table markers are required")
	}
	if c.Artifacts.ErrorLogCap <= 0 {
		return fmt.Errorf("artifacts.error_log_cap must be a positive integer")
	}
	return nil
}
