package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// LocalSystem is the name given to the root level ami section.
const LocalSystem = "LOCAL"

type Config struct {
	Log     LogConfig                `yaml:"log"`
	AMI     *SystemConfig            `yaml:"ami"`
	Systems map[string]*SystemConfig `yaml:"systems"`
	MQTT    MQTTConfig               `yaml:"mqtt"`
	Workers int                      `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SystemConfig struct {
	Name string `yaml:"-"`
	root bool

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	PollInterval      time.Duration `yaml:"poll_interval"`

	EventMask       string        `yaml:"event_mask"`
	EventFilters    []string      `yaml:"event_filters"`
	CommandCacheTTL time.Duration `yaml:"command_cache_ttl"`

	SIPTests []SIPTestConfig `yaml:"sip_tests"`
}

type SIPTestConfig struct {
	Name     string        `yaml:"name"`
	Login    string        `yaml:"login"`
	Password string        `yaml:"password"`
	Domain   string        `yaml:"domain"`
	Proxy    string        `yaml:"proxy"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ReportInterval time.Duration `yaml:"report_interval"`
	ForwardEvents  []string      `yaml:"forward_events"`
	PublishCalls   bool          `yaml:"publish_calls"`
}

// Enabled reports whether a broker is configured.
func (c *MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

func (c *SystemConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

func defaultSystem() SystemConfig {
	return SystemConfig{
		Host:              "127.0.0.1",
		Port:              5038,
		RequestTimeout:    2 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReconnectInterval: 60 * time.Second,
		RetryDelay:        time.Second,
		PollInterval:      time.Second,
		EventMask:         "on",
		CommandCacheTTL:   5 * time.Second,
	}
}

// UnmarshalYAML applies system defaults before decoding, so map entries
// get them too.
func (c *SystemConfig) UnmarshalYAML(value *yaml.Node) error {
	*c = defaultSystem()
	type plain SystemConfig
	return value.Decode((*plain)(c))
}

func (c *SIPTestConfig) UnmarshalYAML(value *yaml.Node) error {
	*c = SIPTestConfig{
		Timeout:  5 * time.Second,
		Interval: 60 * time.Second,
	}
	type plain SIPTestConfig
	return value.Decode((*plain)(c))
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		MQTT: MQTTConfig{
			TopicPrefix:    "asterisk",
			ReportInterval: 30 * time.Second,
			PublishCalls:   true,
		},
		Workers: 8,
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "asterisk-monitor-" + uuid.NewString()
	}

	return cfg, nil
}

// normalize folds the root ami section into Systems and names every system.
func (c *Config) normalize() error {
	if c.Systems == nil {
		c.Systems = make(map[string]*SystemConfig)
	}
	for name, sys := range c.Systems {
		if sys == nil {
			return fmt.Errorf("systems.%s is empty", name)
		}
		sys.Name = name
	}
	if c.AMI != nil && c.AMI.Username != "" {
		for name := range c.Systems {
			if strings.EqualFold(name, LocalSystem) {
				return fmt.Errorf("systems.%s conflicts with the root ami section", name)
			}
		}
		c.AMI.Name = LocalSystem
		c.AMI.root = true
		c.Systems[LocalSystem] = c.AMI
	}
	return nil
}

// SystemList returns the systems sorted by name.
func (c *Config) SystemList() []*SystemConfig {
	names := make([]string, 0, len(c.Systems))
	for name := range c.Systems {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*SystemConfig, 0, len(names))
	for _, name := range names {
		out = append(out, c.Systems[name])
	}
	return out
}

func (c *Config) validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if len(c.Systems) == 0 && c.AMI != nil {
		return fmt.Errorf("ami.username is required")
	}
	if len(c.Systems) == 0 {
		return fmt.Errorf("at least one AMI system is required (ami or systems)")
	}
	seen := make(map[string]string, len(c.Systems))
	for _, sys := range c.SystemList() {
		key := strings.ToUpper(sys.Name)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("systems.%s duplicates systems.%s", sys.Name, prev)
		}
		seen[key] = sys.Name
		if err := sys.validate(); err != nil {
			return err
		}
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MQTT.Enabled() {
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.ReportInterval <= 0 {
			return fmt.Errorf("mqtt.report_interval must be positive")
		}
	}
	return nil
}

func (c *SystemConfig) validate() error {
	p := "systems." + c.Name
	if c.root {
		p = "ami"
	}
	if c.Host == "" {
		return fmt.Errorf("%s.host is required", p)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", p, c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("%s.username is required", p)
	}
	if c.Secret == "" {
		return fmt.Errorf("%s.secret is required", p)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"request_timeout", c.RequestTimeout},
		{"connect_timeout", c.ConnectTimeout},
		{"reconnect_interval", c.ReconnectInterval},
		{"retry_delay", c.RetryDelay},
		{"poll_interval", c.PollInterval},
		{"command_cache_ttl", c.CommandCacheTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s.%s must be positive, got %s", p, d.name, d.d)
		}
	}

	names := make(map[string]bool, len(c.SIPTests))
	for i, t := range c.SIPTests {
		tp := fmt.Sprintf("%s.sip_tests[%d]", p, i)
		if t.Name == "" {
			return fmt.Errorf("%s.name is required", tp)
		}
		if names[t.Name] {
			return fmt.Errorf("%s.name %q is not unique", tp, t.Name)
		}
		names[t.Name] = true
		if t.Login == "" {
			return fmt.Errorf("%s.login is required", tp)
		}
		if t.Domain == "" {
			return fmt.Errorf("%s.domain is required", tp)
		}
		if t.Timeout <= 0 || t.Interval <= 0 {
			return fmt.Errorf("%s timeout and interval must be positive", tp)
		}
	}
	return nil
}
