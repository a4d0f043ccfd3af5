// Package config loads call and relay settings with viper: defaults, an
// optional config file, PEERCALL_* environment variables, then flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1ureka/peercall/internal/util"
)

// EnvPrefix prefixes environment overrides, e.g. PEERCALL_RELAY_URL.
const EnvPrefix = "PEERCALL"

// Role is the participant's part in negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Config is the configuration of one call participant.
type Config struct {
	Session   string `mapstructure:"session"`
	Name      string `mapstructure:"name"`
	Peer      string `mapstructure:"peer"` // participant id, generated when empty
	Role      Role   `mapstructure:"role"`
	Therapist bool   `mapstructure:"therapist"`
	Video     bool   `mapstructure:"video"`

	Relay     Relay     `mapstructure:"relay"`
	ICE       ICE       `mapstructure:"ice"`
	Media     Media     `mapstructure:"media"`
	Reconnect Reconnect `mapstructure:"reconnect"`
	Log       Log       `mapstructure:"log"`
	Stats     Stats     `mapstructure:"stats"`
}

// Relay selects and addresses the signaling relay.
type Relay struct {
	Kind  string `mapstructure:"kind"` // ws or wamp
	URL   string `mapstructure:"url"`
	Realm string `mapstructure:"realm"`
	Codec string `mapstructure:"codec"` // json or cbor
}

// ICE configures candidate gathering and connectivity timeouts.
type ICE struct {
	STUN                []string      `mapstructure:"stun"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAlive           time.Duration `mapstructure:"keepalive"`
}

type Media struct {
	Backend string `mapstructure:"backend"` // synthetic or devices
}

// Reconnect mirrors session.ReconnectPolicy; Enabled=false keeps the call
// core free of automatic renegotiation.
type Reconnect struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Grace          time.Duration `mapstructure:"grace"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Stats struct {
	Interval time.Duration `mapstructure:"interval"` // zero disables the reporter
}

// Server is the configuration of the relay server.
type Server struct {
	Listen      string  `mapstructure:"listen"`
	Kind        string  `mapstructure:"kind"` // ws or wamp
	Realm       string  `mapstructure:"realm"`
	Rate        float64 `mapstructure:"rate"`
	Burst       int64   `mapstructure:"burst"`
	UpgradeRate float64 `mapstructure:"upgrade_rate"`
	Log         Log     `mapstructure:"log"`
}

// DefaultRealm is the WAMP realm used by both relay ends.
const DefaultRealm = "peercall"

var callDefaults = map[string]interface{}{
	"role":                      string(RoleInitiator),
	"video":                     true,
	"relay.kind":                "ws",
	"relay.url":                 "ws://127.0.0.1:8090",
	"relay.realm":               DefaultRealm,
	"relay.codec":               "json",
	"ice.stun":                  []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
	"ice.disconnected_timeout":  5 * time.Second,
	"ice.failed_timeout":        25 * time.Second,
	"ice.keepalive":             2 * time.Second,
	"media.backend":             "synthetic",
	"reconnect.enabled":         false,
	"reconnect.max_attempts":    5,
	"reconnect.initial_backoff": time.Second,
	"reconnect.max_backoff":     30 * time.Second,
	"reconnect.grace":           10 * time.Second,
	"reconnect.connect_timeout": 30 * time.Second,
	"log.level":                 "info",
	"stats.interval":            time.Duration(0),
	"session":                   "",
	"name":                      "",
	"peer":                      "",
	"therapist":                 false,
}

var serverDefaults = map[string]interface{}{
	"listen":       ":8090",
	"kind":         "ws",
	"realm":        DefaultRealm,
	"rate":         50.0,
	"burst":        int64(100),
	"upgrade_rate": 20.0,
	"log.level":    "info",
}

// Loader wraps a viper instance bound to one command.
type Loader struct {
	v    *viper.Viper
	name string
}

// NewLoader prepares a loader for config files named name.{yaml,json,toml}
// searched in dirs, with the call defaults.
func NewLoader(name string, dirs ...string) *Loader {
	return newLoader(name, callDefaults, dirs)
}

// NewServerLoader is NewLoader with the relay server defaults.
func NewServerLoader(name string, dirs ...string) *Loader {
	return newLoader(name, serverDefaults, dirs)
}

func newLoader(name string, defaults map[string]interface{}, dirs []string) *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName(name)
	for _, d := range dirs {
		v.AddConfigPath(d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, name: name}
}

// BindFlags binds cmd's flags, given as flag name to config key, so a flag
// set on the command line wins over file and environment.
func (l *Loader) BindFlags(cmd *cobra.Command, flags map[string]string) error {
	var errs []error
	for name, key := range flags {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			errs = append(errs, fmt.Errorf("unknown flag %q", name))
			continue
		}
		errs = append(errs, l.v.BindPFlag(key, f))
	}
	return errors.Join(errs...)
}

// read loads the config file when there is one.
func (l *Loader) read() error {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			util.LogDebug("no %s config file found", l.name)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	util.LogDebug("using config file %s", l.v.ConfigFileUsed())
	return nil
}

// Fill sets key from ask when no default, file, environment variable or flag
// gave it a value.
func (l *Loader) Fill(key string, ask func() string) error {
	if err := l.read(); err != nil {
		return err
	}
	if l.v.GetString(key) == "" {
		l.v.Set(key, ask())
	}
	return nil
}

// Load reads and validates the call configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.read(); err != nil {
		return nil, err
	}
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadServer reads and validates the relay server configuration.
func (l *Loader) LoadServer() (*Server, error) {
	if err := l.read(); err != nil {
		return nil, err
	}
	var s Server
	if err := l.v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// WatchLogLevel re-applies log.level whenever the config file changes.
func (l *Loader) WatchLogLevel() {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		level := l.v.GetString("log.level")
		if err := util.SetLevel(level); err != nil {
			util.LogWarning("config reload: %v", err)
			return
		}
		util.LogInfo("log level set to %s", level)
	})
	l.v.WatchConfig()
}

// Validate rejects configurations the call cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Session) == "" {
		errs = append(errs, errors.New("session id is required"))
	}
	if c.Role != RoleInitiator && c.Role != RoleResponder {
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", RoleInitiator, RoleResponder, c.Role))
	}
	if err := validRelayKind(c.Relay.Kind); err != nil {
		errs = append(errs, err)
	}
	if c.Relay.URL == "" {
		errs = append(errs, errors.New("relay.url is required"))
	}
	if c.Relay.Codec != "json" && c.Relay.Codec != "cbor" {
		errs = append(errs, fmt.Errorf("relay.codec must be json or cbor, got %q", c.Relay.Codec))
	}
	for _, u := range c.ICE.STUN {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			errs = append(errs, fmt.Errorf("ice.stun: %q is not a STUN url (TURN is not supported)", u))
		}
	}
	if c.Media.Backend != "synthetic" && c.Media.Backend != "devices" {
		errs = append(errs, fmt.Errorf("media.backend must be synthetic or devices, got %q", c.Media.Backend))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if err := validLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate rejects relay server configurations that cannot start.
func (s *Server) Validate() error {
	var errs []error
	if s.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if err := validRelayKind(s.Kind); err != nil {
		errs = append(errs, err)
	}
	if s.Rate <= 0 || s.Burst <= 0 || s.UpgradeRate <= 0 {
		errs = append(errs, errors.New("rate, burst and upgrade_rate must be positive"))
	}
	if err := validLevel(s.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validRelayKind(kind string) error {
	if kind != "ws" && kind != "wamp" {
		return fmt.Errorf("relay kind must be ws or wamp, got %q", kind)
	}
	return nil
}

func validLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "debug", "trace", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}
