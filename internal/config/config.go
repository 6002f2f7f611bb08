package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Report   ReportConfig   `mapstructure:"report"`
	Run      RunConfig      `mapstructure:"run"`
	Callable CallableConfig `mapstructure:"callable"`
	History  HistoryConfig  `mapstructure:"history"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ReportConfig struct {
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
	Color  string `mapstructure:"color"`
}

type RunConfig struct {
	Cache     string `mapstructure:"cache"`
	FailFast  bool   `mapstructure:"fail_fast"`
	GoldenDir string `mapstructure:"golden_dir"`
}

type CallableConfig struct {
	Python         string `mapstructure:"python"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Report: ReportConfig{
			Format: "terminal",
			Color:  "auto",
		},
		Callable: CallableConfig{
			TimeoutSeconds: 300,
		},
	}
}

// flagKeys maps config keys to the flags that set them. A command binds only
// the flags it registers.
var flagKeys = map[string][]string{
	"log.level":                {"log-level"},
	"log.format":               {"log-format"},
	"report.format":            {"report"},
	"report.path":              {"report-path"},
	"report.color":             {"color"},
	"run.cache":                {"cache"},
	"run.fail_fast":            {"fail-fast"},
	"run.golden_dir":           {"capture-golden"},
	"callable.python":          {"python"},
	"callable.timeout_seconds": {"callable-timeout"},
	"history.path":             {"history-path"},
}

// RegisterFlags adds the flags every command shares.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.Log.Level, "Log level (debug|info|warn|error)")
	fs.String("log-format", defaults.Log.Format, "Log format (text|json)")
	fs.String("python", defaults.Callable.Python, "Python interpreter for .py generators and assertions")
	fs.Int("callable-timeout", defaults.Callable.TimeoutSeconds, "Timeout in seconds for external generators and assertions")
	fs.String("history-path", defaults.History.Path, "SQLite database recording run history (empty disables)")
}

// RegisterRunFlags adds the flags that shape a run and its report.
func RegisterRunFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("report", defaults.Report.Format, "Report format (terminal|json)")
	fs.String("report-path", defaults.Report.Path, "Write the JSON report to this file instead of stdout")
	fs.String("color", defaults.Report.Color, "Terminal colors (auto|always|never)")
	fs.String("cache", defaults.Run.Cache, "Input cache policy override (reuse|regen)")
	fs.Bool("fail-fast", defaults.Run.FailFast, "Stop after the first unit that does not pass")
	fs.String("capture-golden", defaults.Run.GoldenDir, "Write outputs of passing units to this directory as .safetensors")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	v.SetEnvPrefix("OPTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("optest")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text|json)", c.Log.Format)
	}

	switch strings.ToLower(c.Report.Format) {
	case "terminal", "json":
	default:
		return fmt.Errorf("invalid report format %q (want terminal|json)", c.Report.Format)
	}

	switch strings.ToLower(c.Report.Color) {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("invalid color mode %q (want auto|always|never)", c.Report.Color)
	}

	switch strings.ToLower(c.Run.Cache) {
	case "", "reuse", "regen":
	default:
		return fmt.Errorf("invalid cache policy %q (want reuse|regen)", c.Run.Cache)
	}

	if c.Callable.TimeoutSeconds < 0 {
		return fmt.Errorf("callable timeout must be >= 0, got %d", c.Callable.TimeoutSeconds)
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("report.format", c.Report.Format)
	v.SetDefault("report.path", c.Report.Path)
	v.SetDefault("report.color", c.Report.Color)
	v.SetDefault("run.cache", c.Run.Cache)
	v.SetDefault("run.fail_fast", c.Run.FailFast)
	v.SetDefault("run.golden_dir", c.Run.GoldenDir)
	v.SetDefault("callable.python", c.Callable.Python)
	v.SetDefault("callable.timeout_seconds", c.Callable.TimeoutSeconds)
	v.SetDefault("history.path", c.History.Path)
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key, names := range flagKeys {
		for _, name := range names {
			flag := fs.Lookup(name)
			if flag == nil {
				continue
			}

			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	return nil
}
