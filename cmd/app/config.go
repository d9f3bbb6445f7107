package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/pumpctl/internal/logging"
)

const EnvPrefix = "PUMPCTL_"

type Config struct {
	DeviceID    string       `koanf:"device_id" yaml:"device_id"`
	Device      DeviceConfig `koanf:"device" yaml:"device"`
	Controllers struct {
		HTTP   HTTPConfig   `koanf:"http" yaml:"http"`
		MQTT   MQTTConfig   `koanf:"mqtt" yaml:"mqtt"`
		MODBUS Modbusconfig `koanf:"modbus" yaml:"modbus"`
	} `koanf:"controllers" yaml:"controllers"`

	Logging logging.Config `koanf:"logging" yaml:"logging"`
}

type DeviceConfig struct {
	Address string        `koanf:"address" yaml:"address"` // host or host:port of the irrigation controller
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled        bool          `koanf:"enabled" yaml:"enabled"`
	BrokerURL      string        `koanf:"broker_url" yaml:"broker_url"`
	ClientID       string        `koanf:"client_id" yaml:"client_id"`
	BaseTopic      string        `koanf:"base_topic" yaml:"base_topic"`
	QoS            byte          `koanf:"qos" yaml:"qos"`
	RetainOutcome  bool          `koanf:"retain_outcome" yaml:"retain_outcome"`
	CommandTimeout time.Duration `koanf:"command_timeout" yaml:"command_timeout"`
	Username       string        `koanf:"username" yaml:"username"`
	Password       string        `koanf:"password" yaml:"password"`
}

type Modbusconfig struct {
	Enabled        bool          `koanf:"enabled" yaml:"enabled"`
	Addr           string        `koanf:"addr" yaml:"addr"`
	UnitID         byte          `koanf:"unit_id" yaml:"unit_id"`
	RelayCount     int           `koanf:"relay_count" yaml:"relay_count"`
	CommandTimeout time.Duration `koanf:"command_timeout" yaml:"command_timeout"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.DeviceID = "default"
	cfg.Device.Timeout = 5 * time.Second
	cfg.Controllers.HTTP.Addr = ":8080"
	cfg.Controllers.MQTT.CommandTimeout = 10 * time.Second
	cfg.Controllers.MODBUS.UnitID = 1
	cfg.Controllers.MODBUS.RelayCount = 3
	cfg.Controllers.MODBUS.CommandTimeout = 10 * time.Second
	cfg.Logging = logging.Config{Level: "info", Format: "console"}
	return cfg
}

// LoadConfig layers defaults, the config file (if any) and PUMPCTL_* environment variables.
func LoadConfig(path string) (Config, error) {
	return load(path, os.Environ)
}

func load(path string, environ func() []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(k, v string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(k, EnvPrefix)), v
		},
		EnvironFunc: environ,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg, environ)
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
	return nil
}

func applyDefaults(cfg *Config, environ func() []string) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "default"
	}
	if cfg.Controllers.HTTP.Addr == "" {
		cfg.Controllers.HTTP.Addr = ":8080"
	}
	// PORT is common in containers: listen on all interfaces on that port.
	if v := lookup(environ, "PORT"); v != "" {
		cfg.Controllers.HTTP.Addr = ":" + v
	}
	if !cfg.Controllers.HTTP.Enabled && !cfg.Controllers.MQTT.Enabled && !cfg.Controllers.MODBUS.Enabled {
		cfg.Controllers.HTTP.Enabled = true
	}
	if cfg.Controllers.MODBUS.UnitID == 0 {
		cfg.Controllers.MODBUS.UnitID = 1
	}
}

func lookup(environ func() []string, key string) string {
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// MinDeviceTimeout rejects bare integers, which decode as nanoseconds.
// Timeouts must be Go duration strings such as "5s" or "750ms".
const MinDeviceTimeout = time.Millisecond

// Validate reports configuration errors that make the process unusable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Device.Address) == "" {
		return fmt.Errorf("device.address is required (set %sDEVICE_ADDRESS)", EnvPrefix)
	}
	if c.Device.Timeout < MinDeviceTimeout {
		return fmt.Errorf("device.timeout must be a duration of at least %s (e.g. \"5s\"), got %s", MinDeviceTimeout, c.Device.Timeout)
	}
	if c.Controllers.MQTT.CommandTimeout < 0 || c.Controllers.MODBUS.CommandTimeout < 0 {
		return errors.New("controllers command_timeout must not be negative")
	}
	return nil
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// envKeyTransform maps an unprefixed env var name to a koanf key path:
// CONTROLLERS_MQTT_BROKER_URL -> controllers.mqtt.broker_url.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	parts := strings.Split(s, "_")

	switch parts[0] {
	case "controllers":
		// controllers.<name>.<field_with_underscores>
		if len(parts) < 3 {
			return s
		}
		return parts[0] + "." + parts[1] + "." + strings.Join(parts[2:], "_")
	case "device", "logging":
		if parts[0] == "device" && len(parts) > 1 && parts[1] == "id" {
			return s
		}
		if len(parts) < 2 {
			return s
		}
		return parts[0] + "." + strings.Join(parts[1:], "_")
	}
	return s
}
