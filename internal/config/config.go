// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Flow() FlowConfig
	Automation() AutomationConfig

	SetBrowserRemoteURL(string)
	SetBrowserHeadless(bool)
	SetFlowHostPrefix(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	FlowCfg       FlowConfig       `mapstructure:"flow" yaml:"flow"`
	AutomationCfg AutomationConfig `mapstructure:"automation" yaml:"automation"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Flow() FlowConfig             { return c.FlowCfg }
func (c *Config) Automation() AutomationConfig { return c.AutomationCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserRemoteURL(u string) { c.BrowserCfg.RemoteURL = u }
func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }
func (c *Config) SetFlowHostPrefix(p string)   { c.FlowCfg.HostPrefix = p }

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

// BrowserConfig selects how shotpaste reaches Chromium. When RemoteURL is set
// the service attaches to an already running browser (the usual case, since
// the user's own tabs are the subject); otherwise it launches one.
type BrowserConfig struct {
	RemoteURL      string        `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath       string        `mapstructure:"exec_path" yaml:"exec_path"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	UserDataDir    string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args           []string      `mapstructure:"args" yaml:"args"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// FlowConfig tunes the capture-and-automate sequence.
type FlowConfig struct {
	// HostPrefix selects the frames the driver is sent to.
	HostPrefix string `mapstructure:"host_prefix" yaml:"host_prefix"`
	// OverlayURL is loaded into the overlay's left-hand frame.
	OverlayURL string `mapstructure:"overlay_url" yaml:"overlay_url"`

	// FocusSettle is waited after re-activating the original tab; some
	// platforms reset focus asynchronously after activation.
	FocusSettle   time.Duration `mapstructure:"focus_settle" yaml:"focus_settle"`
	HelperTimeout time.Duration `mapstructure:"helper_timeout" yaml:"helper_timeout"`
	DriverTimeout time.Duration `mapstructure:"driver_timeout" yaml:"driver_timeout"`

	// TriggerInterval is the minimum spacing between accepted capture commands in serve mode.
	TriggerInterval time.Duration `mapstructure:"trigger_interval" yaml:"trigger_interval"`
}

// AutomationConfig carries the DOM contract with the host page. It is fragile
// and version-coupled by nature.
type AutomationConfig struct {
	MenuTrigger    string        `mapstructure:"menu_trigger" yaml:"menu_trigger"`
	ModeEntry      string        `mapstructure:"mode_entry" yaml:"mode_entry"`
	ModeActive     string        `mapstructure:"mode_active" yaml:"mode_active"`
	TextRegion     string        `mapstructure:"text_region" yaml:"text_region"`
	ImagePreview   string        `mapstructure:"image_preview" yaml:"image_preview"`
	Phrase         string        `mapstructure:"phrase" yaml:"phrase"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	InputSettle    time.Duration `mapstructure:"input_settle" yaml:"input_settle"`
	PasteSettle    time.Duration `mapstructure:"paste_settle" yaml:"paste_settle"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	AttachmentName string        `mapstructure:"attachment_name" yaml:"attachment_name"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default value on the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "shotpaste")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.command_timeout", "30s")

	// -- Flow --
	v.SetDefault("flow.host_prefix", "https://gemini.google.com")
	v.SetDefault("flow.overlay_url", "https://gemini.google.com")
	v.SetDefault("flow.focus_settle", "300ms")
	v.SetDefault("flow.helper_timeout", "15s")
	v.SetDefault("flow.driver_timeout", "30s")
	v.SetDefault("flow.trigger_interval", "1s")

	// -- Automation --
	v.SetDefault("automation.menu_trigger", `button[aria-label="Tools"]`)
	v.SetDefault("automation.mode_entry", `button[jslog="272446;track:generic_click"]`)
	v.SetDefault("automation.mode_active", `button[aria-label="Deselect Guided Learning"]`)
	v.SetDefault("automation.text_region", `div.ql-editor[contenteditable="true"]`)
	v.SetDefault("automation.image_preview", `div.text-input-field.with-file-preview`)
	v.SetDefault("automation.phrase", "explain all in one go")
	v.SetDefault("automation.wait_timeout", "5s")
	v.SetDefault("automation.input_settle", "200ms")
	v.SetDefault("automation.paste_settle", "2s")
	v.SetDefault("automation.poll_interval", "100ms")
	v.SetDefault("automation.attachment_name", "screenshot.png")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("browser.remote_url", "SHOTPASTE_BROWSER_REMOTE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DefaultConfigDir returns ~/.shotpaste, falling back to the working
// directory when the home directory cannot be resolved.
func DefaultConfigDir() string {
	home, err := homedir.Dir()
	if err != nil {
		if wd, wdErr := os.Getwd(); wdErr == nil {
			return wd
		}
		return "."
	}
	return filepath.Join(home, ".shotpaste")
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.FlowCfg.Validate(); err != nil {
		return fmt.Errorf("flow configuration invalid: %w", err)
	}
	if err := c.AutomationCfg.Validate(); err != nil {
		return fmt.Errorf("automation configuration invalid: %w", err)
	}
	if c.BrowserCfg.CommandTimeout <= 0 {
		return fmt.Errorf("browser.command_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the FlowConfig settings.
func (f *FlowConfig) Validate() error {
	if f.HostPrefix == "" {
		return fmt.Errorf("flow.host_prefix is required")
	}
	if f.FocusSettle < 0 {
		return fmt.Errorf("flow.focus_settle must not be negative")
	}
	if f.HelperTimeout <= 0 {
		return fmt.Errorf("flow.helper_timeout must be a positive duration")
	}
	if f.DriverTimeout <= 0 {
		return fmt.Errorf("flow.driver_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the AutomationConfig settings.
func (a *AutomationConfig) Validate() error {
	if a.MenuTrigger == "" || a.ModeEntry == "" || a.ModeActive == "" || a.TextRegion == "" || a.ImagePreview == "" {
		return fmt.Errorf("all automation selectors are required")
	}
	if a.Phrase == "" {
		return fmt.Errorf("automation.phrase is required")
	}
	if a.WaitTimeout <= 0 {
		return fmt.Errorf("automation.wait_timeout must be a positive duration")
	}
	if a.PasteSettle < 0 || a.InputSettle < 0 {
		return fmt.Errorf("automation settle durations must not be negative")
	}
	return nil
}
