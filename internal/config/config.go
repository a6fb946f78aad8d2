package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"callisto_daemon/internal/models"

	"github.com/spf13/viper"
)

// Output formats selectable at run time.
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
	FormatSQLite  = "sqlite"
)

// ValidFormat reports whether f names a known output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatParquet, FormatCSV, FormatSQLite:
		return true
	}
	return false
}

// Observatory holds the constants written into every file header.
type Observatory struct {
	Name         string
	Code         string
	Longitude    float64
	Latitude     float64
	Height       float64
	Origin       string
	TitleComment string
}

type Serial struct {
	Port            string
	Baud            int
	LockDir         string
	ReadTimeout     time.Duration
	ExchangeTimeout time.Duration
	Retries         int
}

type Receiver struct {
	PollCommand      string
	HandshakeTimeout time.Duration
}

// Calibration is optional; an empty Port means no unit is attached.
type Calibration struct {
	Port                 string
	Baud                 int
	StabilizationTimeout time.Duration
	NominalTemp          float64
	Tolerance            float64
	AutoControl          bool
}

type Timing struct {
	TimerInterval  time.Duration // shared tick period
	SampleInterval time.Duration
	Preread        time.Duration
	DrainTimeout   time.Duration
	FileTime       time.Duration
	OverviewPeriod time.Duration
	FlushTimeout   time.Duration
}

type Output struct {
	Format  string
	DataDir string
}

type Publisher struct {
	Enabled bool
	Topic   string
	HWM     int
}

type HTTP struct {
	Port        string
	AuthEnabled bool
}

type Auth struct {
	Operator     string
	PasswordHash string
	SigningKey   string
	TokenTTL     time.Duration
}

// Config is an immutable snapshot of the startup configuration.
type Config struct {
	LogLevel         string
	Instrument       string
	Observatory      Observatory
	InitialMode      models.Mode
	FocusCode        int
	TerminateEnabled bool
	Serial           Serial
	Receiver         Receiver
	Calibration      Calibration
	Timing           Timing
	Output           Output
	Publisher        Publisher
	CommandAddr      string
	HTTP             HTTP
	Auth             Auth
	DBPath           string
	ScheduleFile     string
	FrequencyFile    string
}

const envPrefix = "CALLISTO"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("instrument", "CALLISTO")
	v.SetDefault("observatory.name", "")
	v.SetDefault("observatory.origin", "")
	v.SetDefault("observatory.title_comment", "")

	v.SetDefault("mode.initial", 0)
	v.SetDefault("mode.focus_code", 59)
	v.SetDefault("mode.terminate_enabled", false)

	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.lock_dir", "/tmp")
	v.SetDefault("serial.read_timeout", "50ms")
	v.SetDefault("serial.exchange_timeout", "1s")
	v.SetDefault("serial.retries", 3)

	v.SetDefault("receiver.poll_command", "GD")
	v.SetDefault("receiver.handshake_timeout", "2s")

	v.SetDefault("calibration.port", "")
	v.SetDefault("calibration.baud", 9600)
	v.SetDefault("calibration.stabilization_timeout", "5s")
	v.SetDefault("calibration.nominal_temp", 25.0)
	v.SetDefault("calibration.tolerance", 0.5)
	v.SetDefault("calibration.auto_control", true)

	v.SetDefault("timing.timer_interval", "30ms")
	v.SetDefault("timing.sample_interval", "250ms")
	v.SetDefault("timing.preread", "2s")
	v.SetDefault("timing.drain_timeout", "5s")
	v.SetDefault("timing.filetime", "900s")
	v.SetDefault("timing.overview_period", "60s")
	v.SetDefault("timing.flush_timeout", "10s")

	v.SetDefault("output.format", FormatParquet)
	v.SetDefault("output.data_dir", "data")

	v.SetDefault("publisher.enabled", true)
	v.SetDefault("publisher.topic", "callisto")
	v.SetDefault("publisher.hwm", 10)

	v.SetDefault("command.addr", ":6789")
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.auth_enabled", false)
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("db.path", "file::memory:?cache=shared")
	v.SetDefault("schedule.file", "configs/schedule.cfg")
	v.SetDefault("frequency.file", "")
}

// Load reads the YAML file at path (if non-empty), applies defaults and
// CALLISTO_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	mode, err := models.ModeFromCode(v.GetInt("mode.initial"))
	if err != nil {
		return nil, fmt.Errorf("mode.initial: %w", err)
	}
	cfg := &Config{
		LogLevel:   v.GetString("log.level"),
		Instrument: v.GetString("instrument"),
		Observatory: Observatory{
			Name:         v.GetString("observatory.name"),
			Code:         v.GetString("observatory.code"),
			Longitude:    v.GetFloat64("observatory.longitude"),
			Latitude:     v.GetFloat64("observatory.latitude"),
			Height:       v.GetFloat64("observatory.height"),
			Origin:       v.GetString("observatory.origin"),
			TitleComment: v.GetString("observatory.title_comment"),
		},
		InitialMode:      mode,
		FocusCode:        v.GetInt("mode.focus_code"),
		TerminateEnabled: v.GetBool("mode.terminate_enabled"),
		Serial: Serial{
			Port:            v.GetString("serial.port"),
			Baud:            v.GetInt("serial.baud"),
			LockDir:         v.GetString("serial.lock_dir"),
			ReadTimeout:     v.GetDuration("serial.read_timeout"),
			ExchangeTimeout: v.GetDuration("serial.exchange_timeout"),
			Retries:         v.GetInt("serial.retries"),
		},
		Receiver: Receiver{
			PollCommand:      v.GetString("receiver.poll_command"),
			HandshakeTimeout: v.GetDuration("receiver.handshake_timeout"),
		},
		Calibration: Calibration{
			Port:                 v.GetString("calibration.port"),
			Baud:                 v.GetInt("calibration.baud"),
			StabilizationTimeout: v.GetDuration("calibration.stabilization_timeout"),
			NominalTemp:          v.GetFloat64("calibration.nominal_temp"),
			Tolerance:            v.GetFloat64("calibration.tolerance"),
			AutoControl:          v.GetBool("calibration.auto_control"),
		},
		Timing: Timing{
			TimerInterval:  v.GetDuration("timing.timer_interval"),
			SampleInterval: v.GetDuration("timing.sample_interval"),
			Preread:        v.GetDuration("timing.preread"),
			DrainTimeout:   v.GetDuration("timing.drain_timeout"),
			FileTime:       v.GetDuration("timing.filetime"),
			OverviewPeriod: v.GetDuration("timing.overview_period"),
			FlushTimeout:   v.GetDuration("timing.flush_timeout"),
		},
		Output: Output{
			Format:  strings.ToLower(v.GetString("output.format")),
			DataDir: v.GetString("output.data_dir"),
		},
		Publisher: Publisher{
			Enabled: v.GetBool("publisher.enabled"),
			Topic:   v.GetString("publisher.topic"),
			HWM:     v.GetInt("publisher.hwm"),
		},
		CommandAddr: v.GetString("command.addr"),
		HTTP: HTTP{
			Port:        v.GetString("http.port"),
			AuthEnabled: v.GetBool("http.auth_enabled"),
		},
		Auth: Auth{
			Operator:     v.GetString("auth.operator"),
			PasswordHash: v.GetString("auth.password_hash"),
			SigningKey:   v.GetString("auth.signing_key"),
			TokenTTL:     v.GetDuration("auth.token_ttl"),
		},
		DBPath:        v.GetString("db.path"),
		ScheduleFile:  v.GetString("schedule.file"),
		FrequencyFile: v.GetString("frequency.file"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.InitialMode.Spare() {
		errs = append(errs, fmt.Errorf("mode.initial %d is reserved", c.InitialMode.Code()))
	}
	if c.InitialMode == models.ModeTerminating {
		errs = append(errs, errors.New("mode.initial cannot be terminating"))
	}
	if !models.ValidFocusCode(c.FocusCode) {
		errs = append(errs, fmt.Errorf("mode.focus_code %d out of range", c.FocusCode))
	}
	if c.Serial.Port == "" {
		errs = append(errs, errors.New("serial.port is required"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, errors.New("serial.baud must be positive"))
	}
	if c.Serial.Retries < 1 {
		errs = append(errs, errors.New("serial.retries must be at least 1"))
	}
	if c.Serial.ExchangeTimeout <= 0 {
		errs = append(errs, errors.New("serial.exchange_timeout must be positive"))
	}
	if c.Timing.TimerInterval <= 0 || c.Timing.SampleInterval <= 0 {
		errs = append(errs, errors.New("timing.timer_interval and timing.sample_interval must be positive"))
	}
	if c.Timing.FileTime <= 0 || c.Timing.OverviewPeriod <= 0 {
		errs = append(errs, errors.New("timing.filetime and timing.overview_period must be positive"))
	}
	if !ValidFormat(c.Output.Format) {
		errs = append(errs, fmt.Errorf("output.format %q must be parquet, csv or sqlite", c.Output.Format))
	}
	if c.Publisher.Enabled && c.Publisher.HWM < 1 {
		errs = append(errs, errors.New("publisher.hwm must be at least 1"))
	}
	if c.HTTP.AuthEnabled && c.Auth.SigningKey == "" {
		errs = append(errs, errors.New("auth.signing_key is required when http.auth_enabled"))
	}
	return errors.Join(errs...)
}
