package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	sct "github.com/bvarner/pi-short-circuit"
	"github.com/bvarner/pi-short-circuit/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	Run         RunConfig         `mapstructure:"run"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Sequence    SequenceConfig    `mapstructure:"sequence"`
	Trigger     TriggerConfig     `mapstructure:"trigger"`
	Lines       LinesConfig       `mapstructure:"lines"`
	Output      OutputConfig      `mapstructure:"output"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Camera      CameraConfig      `mapstructure:"camera"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Logging     logging.Config    `mapstructure:"logging"`
}

// RunConfig names the test.
type RunConfig struct {
	Name string `mapstructure:"name"`
}

// AcquisitionConfig covers the analog inputs.
type AcquisitionConfig struct {
	Rate            float64 `mapstructure:"rate"`
	BatchSize       int     `mapstructure:"batch_size"`
	Backlog         int     `mapstructure:"backlog"`
	VoltageScale    float64 `mapstructure:"voltage_scale"`
	ShuntResistance float64 `mapstructure:"shunt_resistance"`
	Device          string  `mapstructure:"device"`
	Trigger         string  `mapstructure:"trigger"`
}

// SequenceConfig holds the phase durations.
type SequenceConfig struct {
	Countdown         int           `mapstructure:"countdown"`
	PreLog            time.Duration `mapstructure:"pre_log"`
	DelayBeforeSwitch time.Duration `mapstructure:"delay_before_switch"`
	Short             time.Duration `mapstructure:"short"`
	PyroEvaluation    time.Duration `mapstructure:"pyro_evaluation"`
	PostLog           time.Duration `mapstructure:"post_log"`
}

// TriggerConfig governs the pyro decision.
type TriggerConfig struct {
	Window    int     `mapstructure:"window"`
	Threshold float64 `mapstructure:"threshold"`
}

// LinesConfig maps actuators to GPIO names.
type LinesConfig struct {
	Contactor string `mapstructure:"contactor"`
	Switch    string `mapstructure:"switch"`
	Pyro      string `mapstructure:"pyro"`
	Indicator string `mapstructure:"indicator"`
}

// OutputConfig sets where run files go.
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Plot   bool   `mapstructure:"plot"`
	Bundle bool   `mapstructure:"bundle"`
}

// MonitorConfig is the live operator display.
type MonitorConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadingInterval time.Duration `mapstructure:"reading_interval"`
}

// CameraConfig is the optional stand camera.
type CameraConfig struct {
	Device string  `mapstructure:"device"`
	FPS    float64 `mapstructure:"fps"`
}

// ArchiveConfig encapsulates PostgreSQL connectivity for run summaries.
type ArchiveConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("short-circuit-test")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/short-circuit-test")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := sct.DefaultSettings()

	v.SetDefault("run.name", d.Name)

	v.SetDefault("acquisition.rate", d.Rate)
	v.SetDefault("acquisition.batch_size", d.BatchSize)
	v.SetDefault("acquisition.backlog", d.Backlog)
	v.SetDefault("acquisition.voltage_scale", d.Scaling.VoltageScale)
	v.SetDefault("acquisition.shunt_resistance", d.Scaling.ShuntResistance)
	v.SetDefault("acquisition.device", "/sys/bus/iio/devices/iio:device0")
	v.SetDefault("acquisition.trigger", "/sys/bus/iio/devices/trigger0")

	v.SetDefault("sequence.countdown", d.Countdown)
	v.SetDefault("sequence.pre_log", d.PreLog.String())
	v.SetDefault("sequence.delay_before_switch", d.DelayBeforeSwitch.String())
	v.SetDefault("sequence.short", d.Short.String())
	v.SetDefault("sequence.pyro_evaluation", d.PyroEvaluation.String())
	v.SetDefault("sequence.post_log", d.PostLog.String())

	v.SetDefault("trigger.window", d.Window)
	v.SetDefault("trigger.threshold", d.Threshold)

	v.SetDefault("lines.contactor", "GPIO17")
	v.SetDefault("lines.switch", "GPIO27")
	v.SetDefault("lines.pyro", "GPIO22")
	v.SetDefault("lines.indicator", "GPIO23")

	v.SetDefault("output.dir", "logs")
	v.SetDefault("output.plot", true)
	v.SetDefault("output.bundle", false)

	v.SetDefault("monitor.addr", "")
	v.SetDefault("monitor.reading_interval", "250ms")

	v.SetDefault("camera.device", "")
	v.SetDefault("camera.fps", 20.0)

	v.SetDefault("archive.max_conns", 2)
	v.SetDefault("archive.conn_max_lifetime", "30m")
	v.SetDefault("archive.timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Settings is the immutable record for one run.
func (c *Config) Settings() sct.Settings {
	return sct.Settings{
		Name:      c.Run.Name,
		Rate:      c.Acquisition.Rate,
		BatchSize: c.Acquisition.BatchSize,
		Backlog:   c.Acquisition.Backlog,
		Scaling: sct.Scaling{
			VoltageScale:    c.Acquisition.VoltageScale,
			ShuntResistance: c.Acquisition.ShuntResistance,
		},
		Window:            c.Trigger.Window,
		Threshold:         c.Trigger.Threshold,
		Countdown:         c.Sequence.Countdown,
		PreLog:            c.Sequence.PreLog,
		DelayBeforeSwitch: c.Sequence.DelayBeforeSwitch,
		Short:             c.Sequence.Short,
		PyroEvaluation:    c.Sequence.PyroEvaluation,
		PostLog:           c.Sequence.PostLog,
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := c.Settings().Validate(); err != nil {
		return err
	}
	if c.Acquisition.Backlog <= 0 {
		return fmt.Errorf("acquisition.backlog must be greater than zero")
	}
	if c.Acquisition.VoltageScale == 0 {
		return fmt.Errorf("acquisition.voltage_scale cannot be zero")
	}
	if c.Sequence.Countdown < 0 {
		return fmt.Errorf("sequence.countdown cannot be negative")
	}
	if strings.ContainsAny(c.Run.Name, `/\`) {
		return fmt.Errorf("run.name cannot contain path separators")
	}
	if c.Camera.Device != "" && c.Camera.FPS <= 0 {
		return fmt.Errorf("camera.fps must be greater than zero")
	}
	return nil
}
