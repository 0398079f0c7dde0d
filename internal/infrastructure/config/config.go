package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Module kinds as they appear in config.yaml.
const (
	KindPython     = "python"
	KindExecutable = "executable"
	KindExternal   = "external"
)

// Transform types and outputs as they appear in config.yaml.
const (
	TransformIdentity = "identity"
	TransformJSON     = "json"

	TransformOutputJSON = "json"
	TransformOutputList = "list"
)

// Config is the root configuration structure for the control room.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	LogSink    LogSinkConfig     `yaml:"log_sink"`
	Modules    ModulesConfig     `yaml:"modules"`
	Broker     BrokerConfig      `yaml:"broker"`
	Transforms []TransformConfig `yaml:"transforms"`
	Macros     []MacroConfig     `yaml:"macros"`
	API        APIConfig         `yaml:"api"`
	WebSocket  WebSocketConfig   `yaml:"websocket"`
	Database   DatabaseConfig    `yaml:"database"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig    `yaml:"influxdb"`
	Security   SecurityConfig    `yaml:"security"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string           `yaml:"level"`
	Format string           `yaml:"format"`
	Output string           `yaml:"output"`
	Sink   SinkClientConfig `yaml:"sink"`
}

// SinkClientConfig controls forwarding of log records to the log sink.
type SinkClientConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LogSinkConfig describes the log sink process the control room launches
// before anything else and tears down last.
type LogSinkConfig struct {
	// Enabled starts the sink process. When false, logs only go to stdout.
	Enabled bool `yaml:"enabled"`

	// Binary is the sink executable. Empty means controlroom-logsink next
	// to the running binary.
	Binary string `yaml:"binary"`

	// Args are extra arguments appended after --listen and --file.
	Args []string `yaml:"args"`

	// Address is where the sink listens for JSON log records.
	Address string `yaml:"address"`

	// File is the file the sink appends records to.
	File string `yaml:"file"`

	// SettleDelay is waited after spawning the sink. There is no readiness
	// handshake.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// StopTimeout bounds the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// DrainDelay is waited before stopping the sink so in-flight records land.
	DrainDelay time.Duration `yaml:"drain_delay"`

	RestartOnFailure   bool `yaml:"restart_on_failure"`
	MaxRestartAttempts int  `yaml:"max_restart_attempts"`
}

// ModulesConfig contains the module fleet and shared connection timing.
type ModulesConfig struct {
	// Root is the directory holding one sub-directory per python module.
	Root string `yaml:"root"`

	// Python is the interpreter used for python modules.
	Python string `yaml:"python"`

	// LogLevel is passed to spawned modules as --loglevel.
	LogLevel int `yaml:"log_level"`

	SettleDelay    time.Duration `yaml:"settle_delay"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	// PollTimeout is the read timeout applied after the handshake, used by
	// the broker's busy poll.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// Entries are the modules in registration order.
	Entries []ModuleConfig `yaml:"entries"`

	// RootDefaulted is set by Load when Root was not configured and the
	// parent of the working directory was used instead.
	RootDefaulted bool `yaml:"-"`
}

// ModuleConfig describes a single module.
type ModuleConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Path is the executable for executable modules.
	Path string `yaml:"path,omitempty"`

	// StartArgs are rendered as --key=value on the module command line.
	StartArgs map[string]string `yaml:"start_args,omitempty"`

	// Pcomms maps command names to default payloads shown by the GUI.
	Pcomms map[string]string `yaml:"pcomms,omitempty"`

	// RetryInterval overrides modules.retry_interval for this module.
	RetryInterval time.Duration `yaml:"retry_interval,omitempty"`
}

// BrokerConfig contains callback broker settings.
type BrokerConfig struct {
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	IdleInterval   time.Duration `yaml:"idle_interval"`
	EventQueueSize int           `yaml:"event_queue_size"`
	EventWorkers   int           `yaml:"event_workers"`
}

// TransformConfig registers a payload transform for every target module
// whose name starts with Prefix.
type TransformConfig struct {
	Prefix string `yaml:"prefix"`
	Type   string `yaml:"type"`

	// Select is a gjson path picking the part of the payload to forward.
	Select string `yaml:"select,omitempty"`

	// Set maps sjson paths to raw JSON values merged into the payload.
	Set map[string]string `yaml:"set,omitempty"`

	// Output is "json" (compact JSON) or "list" (array elements joined by commas).
	Output string `yaml:"output,omitempty"`
}

// MacroConfig is a named preset the GUI offers as a pre-filled command set.
type MacroConfig struct {
	Name           string      `yaml:"name"`
	Description    string      `yaml:"description,omitempty"`
	DefaultPayload string      `yaml:"default_payload,omitempty"`
	Steps          []MacroStep `yaml:"steps"`
}

// MacroStep is one command issued when a macro runs.
type MacroStep struct {
	Module  string `yaml:"module"`
	Command string `yaml:"command"`
	Payload string `yaml:"payload,omitempty"`
}

// APIConfig contains HTTP control surface settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// DatabaseConfig contains SQLite settings for the command audit log.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains settings for mirroring broker events to MQTT.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains settings for routing metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// SecurityConfig contains control surface security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`

	// Operators may exchange a password for a token at /auth/login.
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig is one login account. PasswordHash is an argon2id PHC
// string as printed by `controlroom --hash-password`.
type OperatorConfig struct {
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	PasswordHash string `yaml:"password_hash"`
}

// Operator returns the operator called name.
func (c SecurityConfig) Operator(name string) (OperatorConfig, bool) {
	for _, op := range c.Operators {
		if op.Name == name {
			return op, true
		}
	}
	return OperatorConfig{}, false
}

// JWTConfig contains JWT token settings. An empty secret disables auth.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CONTROLROOM_SECTION_KEY
// For example: CONTROLROOM_MODULES_ROOT, CONTROLROOM_API_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyModuleDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Sink: SinkClientConfig{
				Address: "127.0.0.1:9020",
			},
		},
		LogSink: LogSinkConfig{
			Address:     "127.0.0.1:9020",
			File:        "controlroom_all.log",
			SettleDelay: 500 * time.Millisecond,
			StopTimeout: 3 * time.Second,
			DrainDelay:  time.Second,
		},
		Modules: ModulesConfig{
			Python:         "python3",
			LogLevel:       10,
			SettleDelay:    2 * time.Second,
			RetryInterval:  time.Second,
			ConnectTimeout: 2 * time.Second,
			ReadTimeout:    2 * time.Second,
			PollTimeout:    time.Millisecond,
		},
		Broker: BrokerConfig{
			StopTimeout:    3 * time.Second,
			IdleInterval:   50 * time.Millisecond,
			EventQueueSize: 256,
			EventWorkers:   2,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8050,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/controlroom.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "controlroom",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "controlroom",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 720,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONTROLROOM_MODULES_ROOT"); v != "" {
		cfg.Modules.Root = v
	}
	if v := os.Getenv("CONTROLROOM_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CONTROLROOM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONTROLROOM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CONTROLROOM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("CONTROLROOM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("CONTROLROOM_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// applyModuleDefaults fills per-module values inherited from the modules section.
func applyModuleDefaults(cfg *Config) {
	if cfg.Modules.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Modules.Root = filepath.Dir(wd)
		} else {
			cfg.Modules.Root = ".."
		}
		cfg.Modules.RootDefaulted = true
	}

	for i := range cfg.Modules.Entries {
		m := &cfg.Modules.Entries[i]
		if m.Kind == "" {
			m.Kind = KindPython
		}
		if m.Host == "" {
			m.Host = "127.0.0.1"
		}
		if m.RetryInterval == 0 {
			m.RetryInterval = cfg.Modules.RetryInterval
		}
	}

	for i := range cfg.Transforms {
		t := &cfg.Transforms[i]
		if t.Type == "" {
			t.Type = TransformIdentity
		}
		if t.Type == TransformJSON && t.Output == "" {
			t.Output = TransformOutputJSON
		}
	}
}

// Validate checks the configuration for errors.
// Every problem is collected so a single run reports all of them.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateModules()...)
	errs = append(errs, c.validateTransforms()...)
	errs = append(errs, c.validateMacros()...)

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}

	if c.LogSink.Enabled && c.LogSink.Address == "" {
		errs = append(errs, "log_sink.address is required when the log sink is enabled")
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	errs = append(errs, c.validateOperators()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateModules() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Modules.Entries))

	for i, m := range c.Modules.Entries {
		label := fmt.Sprintf("modules.entries[%d]", i)
		if m.Name == "" {
			errs = append(errs, label+".name is required")
		} else {
			label = fmt.Sprintf("module %q", m.Name)
			if strings.Contains(m.Name, "|") {
				errs = append(errs, label+": name must not contain '|'")
			}
			if seen[m.Name] {
				errs = append(errs, label+": duplicate name")
			}
			seen[m.Name] = true
		}

		if m.Port < 1 || m.Port > 65535 {
			errs = append(errs, label+": port must be between 1 and 65535")
		}

		switch m.Kind {
		case KindPython, KindExternal:
		case KindExecutable:
			if m.Path == "" {
				errs = append(errs, label+": path is required for executable modules")
			}
			if len(m.Pcomms) == 0 {
				errs = append(errs, label+": pcomms are required for executable modules")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q", label, m.Kind))
		}
	}

	return errs
}

func (c *Config) validateTransforms() []string {
	var errs []string
	for i, t := range c.Transforms {
		label := fmt.Sprintf("transforms[%d]", i)
		if t.Prefix == "" {
			errs = append(errs, label+".prefix is required")
		}
		switch t.Type {
		case TransformIdentity:
		case TransformJSON:
			if t.Output != TransformOutputJSON && t.Output != TransformOutputList {
				errs = append(errs, fmt.Sprintf("%s: unknown output %q", label, t.Output))
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown type %q", label, t.Type))
		}
	}
	return errs
}

func (c *Config) validateMacros() []string {
	var errs []string
	known := make(map[string]bool, len(c.Modules.Entries))
	for _, m := range c.Modules.Entries {
		known[m.Name] = true
	}

	names := make(map[string]bool, len(c.Macros))
	for i, macro := range c.Macros {
		if macro.Name == "" {
			errs = append(errs, fmt.Sprintf("macros[%d].name is required", i))
			continue
		}
		if names[macro.Name] {
			errs = append(errs, fmt.Sprintf("macro %q: duplicate name", macro.Name))
		}
		names[macro.Name] = true

		for j, step := range macro.Steps {
			if !known[step.Module] {
				errs = append(errs, fmt.Sprintf("macro %q step %d: unknown module %q", macro.Name, j, step.Module))
			}
			if step.Command == "" {
				errs = append(errs, fmt.Sprintf("macro %q step %d: command is required", macro.Name, j))
			}
		}
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}

// Macro returns the macro with the given name.
func (c *Config) Macro(name string) (MacroConfig, bool) {
	for _, m := range c.Macros {
		if m.Name == name {
			return m, true
		}
	}
	return MacroConfig{}, false
}

func (c *Config) validateOperators() []string {
	var errs []string
	if len(c.Security.Operators) > 0 && c.Security.JWT.Secret == "" {
		errs = append(errs, "security.operators requires security.jwt.secret")
	}
	seen := make(map[string]bool, len(c.Security.Operators))
	for i, op := range c.Security.Operators {
		at := fmt.Sprintf("security.operators[%d]", i)
		switch {
		case op.Name == "":
			errs = append(errs, at+": name is required")
		case seen[op.Name]:
			errs = append(errs, fmt.Sprintf("%s: duplicate name %q", at, op.Name))
		}
		seen[op.Name] = true
		if op.Role != "viewer" && op.Role != "operator" {
			errs = append(errs, fmt.Sprintf("%s: unknown role %q", at, op.Role))
		}
		if !strings.HasPrefix(op.PasswordHash, "$argon2id$") {
			errs = append(errs, at+": password_hash must be an argon2id hash")
		}
	}
	return errs
}
