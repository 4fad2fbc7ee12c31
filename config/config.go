// Package config - Service configuration loaded from a yaml file.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/orchardvision/go-detect/health"
	"github.com/orchardvision/go-detect/jobs"
)

// Duration is a time.Duration that unmarshals from yaml strings like "30s"
// or "2h", or from integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return errors.Wrapf(perr, "invalid duration %q", s)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return errors.Errorf("duration must be a string like %q or integer nanoseconds", "30s")
	}
	*d = Duration(n)
	return nil
}

// Redis holds the prediction cache connection settings.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Cache tunes the prediction cache.
type Cache struct {
	// TTL is the prediction entry lifetime.
	TTL Duration `yaml:"ttl"`
}

// Paths names the filesystem roots the service writes under.
type Paths struct {
	// ModelsDir holds the onnx model artifacts.
	ModelsDir string `yaml:"models_dir"`
	// AnnotatedDir receives annotated detection images.
	AnnotatedDir string `yaml:"annotated_dir"`
	// BatchDir receives batch reports and bundles.
	BatchDir string `yaml:"batch_dir"`
	// UploadDir receives transient request uploads.
	UploadDir string `yaml:"upload_dir"`
}

// Jobs bounds the async worker pool.
type Jobs struct {
	Workers     int      `yaml:"workers"`
	QueueDepth  int      `yaml:"queue_depth"`
	SoftTimeout Duration `yaml:"soft_timeout"`
	HardTimeout Duration `yaml:"hard_timeout"`
	// Retention is how long completed jobs stay pollable.
	Retention Duration `yaml:"retention"`
}

// Health tunes the model degradation monitor.
type Health struct {
	Window     Duration `yaml:"window"`
	MinSamples int      `yaml:"min_samples"`
	Threshold  float64  `yaml:"threshold"`
	// SweepInterval is how often the degradation sweep runs.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`

	Redis  Redis  `yaml:"redis"`
	Cache  Cache  `yaml:"cache"`
	Paths  Paths  `yaml:"paths"`
	Jobs   Jobs   `yaml:"jobs"`
	Health Health `yaml:"health"`
}

// Default returns the production defaults.
func Default() Config {
	jd := jobs.DefaultConfig()
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Redis:      Redis{Addr: "localhost:6379"},
		Cache:      Cache{TTL: Duration(24 * time.Hour)},
		Paths: Paths{
			ModelsDir:    "models",
			AnnotatedDir: "detected",
			BatchDir:     "batches",
			UploadDir:    os.TempDir(),
		},
		Jobs: Jobs{
			Workers:     jd.Workers,
			QueueDepth:  jd.QueueDepth,
			SoftTimeout: Duration(jd.SoftTimeout),
			HardTimeout: Duration(jd.HardTimeout),
			Retention:   Duration(jobs.DefaultRetention),
		},
		Health: Health{
			Window:        Duration(health.DefaultWindow),
			MinSamples:    health.DefaultMinSamples,
			Threshold:     health.DefaultThreshold,
			SweepInterval: Duration(time.Hour),
		},
	}
}

// JobsConfig converts to the tracker's runtime configuration.
func (c Config) JobsConfig() jobs.Config {
	return jobs.Config{
		Workers:     c.Jobs.Workers,
		QueueDepth:  c.Jobs.QueueDepth,
		SoftTimeout: c.Jobs.SoftTimeout.Std(),
		HardTimeout: c.Jobs.HardTimeout.Std(),
	}
}

// HealthConfig converts to the monitor's runtime configuration.
func (c Config) HealthConfig() health.Config {
	return health.Config{
		Window:     c.Health.Window.Std(),
		MinSamples: c.Health.MinSamples,
		Threshold:  c.Health.Threshold,
	}
}

// Load reads a yaml config file over the defaults. An empty path returns
// the defaults unchanged.
//
// Arguments:
//   - path: Config file path; optional.
//
// Returns:
//   - Config: Merged configuration.
//   - error: Read or parse failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}
