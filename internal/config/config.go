package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "apsim"

type Config struct {
	LogLevel     zapcore.Level
	Registration RegistrationConfig `mapstructure:"registration"`
	Poll         PollConfig         `mapstructure:"poll"`
	Serial       SerialConfig       `mapstructure:"serial"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	Port         uint               `mapstructure:"port"`
	HttpLog      bool               `mapstructure:"http_log"`
}

type RegistrationConfig struct {
	Listen string
	// Initial is applied to the registry at startup, same syntax as a registration line.
	Initial string
}

type PollConfig struct {
	IntervalMillis uint32 `mapstructure:"interval_millis"`
	TimeoutMillis  uint32 `mapstructure:"timeout_millis"`
	Medium         string
	Family         string
	ClientAddress  uint16 `mapstructure:"client_address"`
	ServerAddress  uint16 `mapstructure:"server_address"`
	MaxPduSize     uint16 `mapstructure:"max_pdu_size"`
	Password       string
	KeepMeters     bool `mapstructure:"keep_meters"`
}

type SerialConfig struct {
	BaudRate        int    `mapstructure:"baud_rate"`
	DataBits        int    `mapstructure:"data_bits"`
	Parity          string
	StopBits        int    `mapstructure:"stop_bits"`
	LogicalAddress  uint16 `mapstructure:"logical_address"`
	PhysicalAddress uint16 `mapstructure:"physical_address"`
}

type MQTTConfig struct {
	Enable    bool
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
}

const (
	MediumTCP     = "tcp"
	MediumSerial  = "serial"
	MediumRFC2217 = "rfc2217" // serial line behind a telnet terminal server
)

// flag name => config key
var flagKeys = map[string]string{
	"log-level":            "log_level",
	"port":                 "port",
	"http-log":             "http_log",
	"listen":               "registration.listen",
	"meters":               "registration.initial",
	"poll-interval-millis": "poll.interval_millis",
	"poll-timeout-millis":  "poll.timeout_millis",
	"medium":               "poll.medium",
	"family":               "poll.family",
	"keep-meters":          "poll.keep_meters",
	"mqtt":                 "mqtt.enable",
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("apsim", pflag.ContinueOnError)
	fs.String("log-level", "warn", "log level (debug, info, warn, error, fatal)")
	fs.Uint("port", 8080, "HTTP port")
	fs.Bool("http-log", false, "log HTTP requests")
	fs.String("listen", ":4059", "registration listener address")
	fs.String("meters", "", "initial registration line, e.g. small,10.0.0.5")
	fs.Uint32("poll-interval-millis", 1500, "pause between polling passes")
	fs.Uint32("poll-timeout-millis", 40000, "per meter deadline")
	fs.String("medium", MediumTCP, "tcp, serial or rfc2217")
	fs.String("family", "any", "address family for tcp (any, ipv4, ipv6)")
	fs.Bool("keep-meters", false, "keep registered meters after a pass")
	fs.Bool("mqtt", false, "publish readings to MQTT")
	return fs
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "warn")
	v.SetDefault("port", 8080)
	v.SetDefault("http_log", false)
	v.SetDefault("registration.listen", ":4059")
	v.SetDefault("registration.initial", "")
	v.SetDefault("poll.interval_millis", 1500)
	v.SetDefault("poll.timeout_millis", 40000)
	v.SetDefault("poll.medium", MediumTCP)
	v.SetDefault("poll.family", "any")
	v.SetDefault("poll.client_address", 1)
	v.SetDefault("poll.server_address", 1)
	v.SetDefault("poll.max_pdu_size", 640)
	v.SetDefault("poll.password", "")
	v.SetDefault("poll.keep_meters", false)
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.logical_address", 1)
	v.SetDefault("serial.physical_address", 17)
	v.SetDefault("mqtt.enable", false)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.base_topic", "apsim")
}

// Load reads defaults, the optional CONFIG_FILE, APSIM_* environment and flags, in rising
// priority. fs may be nil.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.LogLevel = ParseLogLevel(v.GetString("log_level"))
	cfg.Poll.Medium = strings.ToLower(cfg.Poll.Medium)
	cfg.Poll.Family = strings.ToLower(cfg.Poll.Family)

	if cfg.MQTT.Enable {
		topic, err := CheckMQTTTopic(cfg.MQTT.BaseTopic)
		if err != nil {
			return nil, err
		}
		cfg.MQTT.BaseTopic = topic
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ParseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (c *Config) Validate() error {
	if c.Poll.IntervalMillis < 100 {
		return errors.New("config param poll.interval_millis should be >= 100")
	}
	if c.Poll.TimeoutMillis < 100 {
		return errors.New("config param poll.timeout_millis should be >= 100")
	}
	if c.Poll.ClientAddress == 0 {
		return errors.New("config param poll.client_address must not be 0")
	}
	if c.Poll.MaxPduSize != 0 && c.Poll.MaxPduSize < 12 {
		return errors.New("config param poll.max_pdu_size should be >= 12")
	}
	if c.Port == 0 || c.Port > 65535 {
		return fmt.Errorf("config param port out of range: %d", c.Port)
	}
	switch c.Poll.Medium {
	case MediumTCP:
		if _, err := c.AddressFamily(); err != nil {
			return err
		}
	case MediumSerial, MediumRFC2217:
		if c.Poll.ClientAddress > 0x7f {
			return errors.New("config param poll.client_address must be <= 127 on serial")
		}
		if _, err := c.SerialSettings(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config param poll.medium must be tcp, serial or rfc2217, got %q", c.Poll.Medium)
	}
	return nil
}

func (c *Config) AddressFamily() (base.AddressFamily, error) {
	switch c.Poll.Family {
	case "", "any":
		return base.FamilyAny, nil
	case "ipv4", "4":
		return base.FamilyIPv4, nil
	case "ipv6", "6":
		return base.FamilyIPv6, nil
	}
	return base.FamilyAny, fmt.Errorf("config param poll.family must be any, ipv4 or ipv6, got %q", c.Poll.Family)
}

func (c *Config) SerialSettings() (base.SerialSettings, error) {
	s := base.DefaultSerialSettings()
	s.BaudRate = c.Serial.BaudRate
	s.DataBits = base.SerialDataBits(c.Serial.DataBits)
	s.StopBits = base.SerialStopBits(c.Serial.StopBits)
	switch strings.ToLower(c.Serial.Parity) {
	case "", "none", "n":
		s.Parity = base.SerialNoParity
	case "odd", "o":
		s.Parity = base.SerialOddParity
	case "even", "e":
		s.Parity = base.SerialEvenParity
	case "mark", "m":
		s.Parity = base.SerialMarkParity
	case "space", "s":
		s.Parity = base.SerialSpaceParity
	default:
		return s, fmt.Errorf("config param serial.parity invalid: %q", c.Serial.Parity)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("config param serial: %w", err)
	}
	return s, nil
}

var topicRegexp = regexp.MustCompile("^[a-z0-9_]+$")

// CheckMQTTTopic lower cases the topic and checks it only holds letters, numbers and underscores.
func CheckMQTTTopic(topic string) (string, error) {
	lower := strings.ToLower(topic)
	if !topicRegexp.MatchString(lower) {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lower, nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.MQTT.Username != "" {
		c.MQTT.Username = "*redacted*"
	}
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	if c.Poll.Password != "" {
		c.Poll.Password = "*redacted*"
	}
	return c
}
