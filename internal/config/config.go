package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TRIPFLOW_"

type Config struct {
	ProjectsDir string       `yaml:"projects_dir" validate:"required"`
	Verbose     bool         `yaml:"verbose"`
	Serve       ServeConfig  `yaml:"serve"`
	Ingest      IngestConfig `yaml:"ingest"`
}

type ServeConfig struct {
	ListenAddr       string        `yaml:"listen_addr" validate:"required"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	EnableSQL        bool          `yaml:"enable_sql"`
	StaticDir        string        `yaml:"static_dir"`
	CORSOrigins      []string      `yaml:"cors_origins" validate:"dive,required"`
	TrafficCacheSize int           `yaml:"traffic_cache_size" validate:"gte=1"`
	TrafficCacheTTL  time.Duration `yaml:"traffic_cache_ttl" validate:"gte=0"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes" validate:"gte=1"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type IngestConfig struct {
	Parallelism int    `yaml:"parallelism" validate:"gte=1"`
	Schema      string `yaml:"schema"`
}

func Default() Config {
	return Config{
		ProjectsDir: "projects",
		Serve: ServeConfig{
			ListenAddr:       ":5000",
			TrafficCacheSize: 1024,
			MaxUploadBytes:   512 << 20,
			ShutdownTimeout:  10 * time.Second,
		},
		Ingest: IngestConfig{
			Parallelism: 2,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, then the YAML file at path (if any), then
// TRIPFLOW_* environment variables. Flags are applied afterwards with ApplyFlags.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type setter func(value string) error

func stringSetter(dst *string) setter {
	return func(v string) error { *dst = v; return nil }
}

func boolSetter(dst *bool) setter {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func intSetter(dst *int) setter {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Setter(dst *int64) setter {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func durationSetter(dst *time.Duration) setter {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func listSetter(dst *[]string) setter {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
}

// fields maps each setting's flag name to its setter. Environment variables use the upper
// case flag name with dashes as underscores.
func (c *Config) fields() map[string]setter {
	return map[string]setter{
		"projects-dir":       stringSetter(&c.ProjectsDir),
		"verbose":            boolSetter(&c.Verbose),
		"listen-addr":        stringSetter(&c.Serve.ListenAddr),
		"metrics-addr":       stringSetter(&c.Serve.MetricsAddr),
		"enable-sql":         boolSetter(&c.Serve.EnableSQL),
		"static-dir":         stringSetter(&c.Serve.StaticDir),
		"cors-origin":        listSetter(&c.Serve.CORSOrigins),
		"traffic-cache-size": intSetter(&c.Serve.TrafficCacheSize),
		"traffic-cache-ttl":  durationSetter(&c.Serve.TrafficCacheTTL),
		"max-upload-bytes":   int64Setter(&c.Serve.MaxUploadBytes),
		"shutdown-timeout":   durationSetter(&c.Serve.ShutdownTimeout),
		"parallelism":        intSetter(&c.Ingest.Parallelism),
		"schema":             stringSetter(&c.Ingest.Schema),
	}
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for name, set := range c.fields() {
		v, ok := lookup(envName(name))
		if !ok || v == "" {
			continue
		}
		if err := set(v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(name), err))
		}
	}
	return errors.Join(errs...)
}

// ApplyFlags overrides settings with every flag in fs that was set on the command line.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	fields := c.fields()
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		set, ok := fields[f.Name]
		if !ok {
			return
		}
		value := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			value = strings.Join(sv.GetSlice(), ",")
		}
		if err := set(value); err != nil {
			errs = append(errs, fmt.Errorf("invalid --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}
