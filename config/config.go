package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultAddress       = "localhost:8000"
	DefaultSourcePath    = "./source"
	DefaultPrivatePath   = "./private"
	DefaultPrivatePrefix = "private"
	DefaultLinksFile     = "./private.json"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "default"

	DefaultTickInterval  = time.Second
	DefaultDebounce      = 2 * time.Second
	DefaultDigestWindow  = 5 * time.Minute
	DefaultNotifyTimeout = 10 * time.Second
)

// Config is the configuration for the capsule server.
type Config struct {
	Address         string `hcl:"address,optional" validate:"required,hostname_port"`
	SourcePath      string `hcl:"source_path,optional" validate:"required"`
	PrivatePath     string `hcl:"private_path,optional" validate:"required"`
	PrivatePrefix   string `hcl:"private_prefix,optional" validate:"required"`
	LinksFile       string `hcl:"links_file,optional" validate:"required"`
	NotFoundPage    string `hcl:"not_found_page,optional"`
	ServerErrorPage string `hcl:"server_error_page,optional"`
	MetricsAddress  string `hcl:"metrics_address,optional" validate:"omitempty,hostname_port"`

	// PrivateRateLimit caps requests per second per client under the
	// private prefix; zero disables it.
	PrivateRateLimit float64 `hcl:"private_rate_limit,optional" validate:"gte=0"`
	PrivateRateBurst int     `hcl:"private_rate_burst,optional" validate:"gte=0"`

	LogLevel           string `hcl:"log_level,optional" validate:"oneof=trace debug info warn error"`
	LogFormat          string `hcl:"log_format,optional" validate:"oneof=default json"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotationPeriod  int    `hcl:"log_rotation_period,optional" validate:"gte=0"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional" validate:"gte=0"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional" validate:"gte=0"`

	TickIntervalRaw  string `hcl:"tick_interval,optional"`
	DebounceRaw      string `hcl:"debounce,optional"`
	DigestWindowRaw  string `hcl:"digest_window,optional"`
	NotifyTimeoutRaw string `hcl:"notify_timeout,optional"`

	TickInterval  time.Duration `validate:"gt=0"`
	Debounce      time.Duration `validate:"gt=0"`
	DigestWindow  time.Duration `validate:"gt=0"`
	NotifyTimeout time.Duration `validate:"gt=0"`

	// Notifiers are tried in order for every digest.
	Notifiers []NotifierBlock `hcl:"notifier,block" validate:"dive"`
}

// NotifierBlock configures one digest backend.
type NotifierBlock struct {
	Type string `hcl:"type,label" validate:"oneof=twilio webhook file"`

	// twilio
	Account  string `hcl:"account,optional"`
	Token    string `hcl:"token,optional"`
	Sender   string `hcl:"sender,optional"`
	Receiver string `hcl:"receiver,optional"`

	// webhook
	URL     string `hcl:"url,optional" validate:"omitempty,url"`
	Secret  string `hcl:"secret,optional"`
	Handler string `hcl:"handler,optional"`

	// file
	Path            string `hcl:"path,optional"`
	RotateMegabytes int    `hcl:"rotate_megabytes,optional" validate:"gte=0"`
	MaxBackups      int    `hcl:"max_backups,optional" validate:"gte=0"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads an HCL configuration file and fills in defaults. An
// empty path yields the defaults.
func LoadConfig(configFile string) (*Config, error) {
	var config Config

	if configFile != "" {
		if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills every unset field and parses the duration settings.
func (c *Config) ApplyDefaults() error {
	setDefault(&c.Address, DefaultAddress)
	setDefault(&c.SourcePath, DefaultSourcePath)
	setDefault(&c.PrivatePath, DefaultPrivatePath)
	setDefault(&c.PrivatePrefix, DefaultPrivatePrefix)
	setDefault(&c.LinksFile, DefaultLinksFile)
	setDefault(&c.LogLevel, DefaultLogLevel)
	setDefault(&c.LogFormat, DefaultLogFormat)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"tick_interval", c.TickIntervalRaw, &c.TickInterval, DefaultTickInterval},
		{"debounce", c.DebounceRaw, &c.Debounce, DefaultDebounce},
		{"digest_window", c.DigestWindowRaw, &c.DigestWindow, DefaultDigestWindow},
		{"notify_timeout", c.NotifyTimeoutRaw, &c.NotifyTimeout, DefaultNotifyTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			if *d.dst == 0 {
				*d.dst = d.def
			}
			continue
		}
		parsed, err := parseutil.ParseDurationSecond(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// MirrorPath is the directory inside the public tree that holds the
// token-named copies of private resources.
func (c *Config) MirrorPath() string {
	return filepath.Join(c.SourcePath, c.PrivatePrefix)
}

// Notifier returns the block of the given type, appending an empty one
// when there is none.
func (c *Config) Notifier(typ string) *NotifierBlock {
	for i := range c.Notifiers {
		if c.Notifiers[i].Type == typ {
			return &c.Notifiers[i]
		}
	}
	c.Notifiers = append(c.Notifiers, NotifierBlock{Type: typ})
	return &c.Notifiers[len(c.Notifiers)-1]
}

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides settings with the CAPSULE_* and TWILIO_* environment
// variables found by lookup. A nil lookup reads the process environment.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	strs := map[string]*string{
		"CAPSULE_ADDRESS":           &c.Address,
		"CAPSULE_SOURCE_PATH":       &c.SourcePath,
		"CAPSULE_PRIVATE_PATH":      &c.PrivatePath,
		"CAPSULE_PRIVATE_PREFIX":    &c.PrivatePrefix,
		"CAPSULE_LINKS_FILE":        &c.LinksFile,
		"CAPSULE_NOT_FOUND_PAGE":    &c.NotFoundPage,
		"CAPSULE_SERVER_ERROR_PAGE": &c.ServerErrorPage,
		"CAPSULE_LOG_LEVEL":         &c.LogLevel,
		"CAPSULE_LOG_FORMAT":        &c.LogFormat,
		"CAPSULE_LOG_FILE":          &c.LogFile,
		"CAPSULE_METRICS_ADDRESS":   &c.MetricsAddress,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CAPSULE_TICK_INTERVAL":  &c.TickInterval,
		"CAPSULE_DEBOUNCE":       &c.Debounce,
		"CAPSULE_DIGEST_WINDOW":  &c.DigestWindow,
		"CAPSULE_NOTIFY_TIMEOUT": &c.NotifyTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := parseutil.ParseDurationSecond(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	notifierEnv := []struct {
		typ   string
		key   string
		field func(*NotifierBlock) *string
	}{
		{"twilio", "TWILIO_ACCOUNT", func(n *NotifierBlock) *string { return &n.Account }},
		{"twilio", "TWILIO_TOKEN", func(n *NotifierBlock) *string { return &n.Token }},
		{"twilio", "TWILIO_SENDER", func(n *NotifierBlock) *string { return &n.Sender }},
		{"twilio", "TWILIO_RECEIVER", func(n *NotifierBlock) *string { return &n.Receiver }},
		{"webhook", "CAPSULE_WEBHOOK_URL", func(n *NotifierBlock) *string { return &n.URL }},
		{"webhook", "CAPSULE_WEBHOOK_SECRET", func(n *NotifierBlock) *string { return &n.Secret }},
		{"webhook", "CAPSULE_WEBHOOK_HANDLER", func(n *NotifierBlock) *string { return &n.Handler }},
		{"file", "CAPSULE_DIGEST_FILE", func(n *NotifierBlock) *string { return &n.Path }},
	}
	for _, e := range notifierEnv {
		if v, ok := lookup(e.key); ok && v != "" {
			*e.field(c.Notifier(e.typ)) = v
		}
	}
	return nil
}
