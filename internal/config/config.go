// Package config loads the job list and daemon settings through viper and
// writes the job list back. It is the only place which touches the config file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dohuyhoang93/DirectorySync/internal/command"
	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
)

const (
	DefaultListen = "127.0.0.1:8765"
	EnvPrefix     = "DIRSYNC"
	// EnvConfig names the config file when no path is given.
	EnvConfig = "DIRSYNC_CONFIG"
	FileName  = "dirsync"
)

// Tools overrides the executables, empty means a lookup in PATH.
type Tools struct {
	Mirror string `mapstructure:"mirror" yaml:"mirror,omitempty"`
	Cloud  string `mapstructure:"cloud" yaml:"cloud,omitempty"`
	Cargo  string `mapstructure:"cargo" yaml:"cargo,omitempty"`
}

type Config struct {
	// Interval accepts seconds, a Go or ISO8601 duration or a cron expression.
	Interval string      `mapstructure:"interval"`
	Listen   string      `mapstructure:"listen"`
	Buffer   int         `mapstructure:"buffer"`
	Verbose  bool        `mapstructure:"verbose"`
	Tools    Tools       `mapstructure:"tools"`
	Jobs     []model.Job `mapstructure:"jobs"`
}

// IntervalDuration parses Interval, empty means model.DefaultInterval.
func (c Config) IntervalDuration() (time.Duration, error) {
	if strings.TrimSpace(c.Interval) == "" {
		return model.DefaultInterval, nil
	}
	return model.ParseInterval(c.Interval)
}

func (c Config) Builder() command.Builder {
	return command.Builder{
		MirrorPath: c.Tools.Mirror,
		CloudPath:  c.Tools.Cloud,
		CargoPath:  c.Tools.Cargo,
	}
}

// Validate checks the interval and every job, the problems are joined.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.IntervalDuration(); err != nil {
		errs = append(errs, err)
	}
	for _, j := range c.Jobs {
		if err := j.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Store holds the last successfully loaded config.
type Store struct {
	v           *viper.Viper
	defaultPath string
	mx          sync.Mutex
	cfg         Config
}

// Load reads the config. Without path the file is taken from $DIRSYNC_CONFIG,
// or searched as dirsync.yaml in the user config directory and in the current
// directory. A missing file gives the defaults.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("buffer", report.DefaultBuffer)
	v.SetDefault("interval", model.DefaultInterval.String())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	s := &Store{v: v}
	if dir, err := os.UserConfigDir(); err == nil {
		s.defaultPath = filepath.Join(dir, FileName, FileName+".yaml")
	} else {
		s.defaultPath = FileName + ".yaml"
	}

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(filepath.Dir(s.defaultPath))
		v.AddConfigPath(".")
	}

	if err := s.read(); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func (s *Store) read() error {
	err := s.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
	case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
		slog.Debug("config file not found: using defaults")
		return nil
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return validateFile(s.v.ConfigFileUsed())
}

// validateFile checks YAML and JSON files against the schema, other formats
// viper understands are only decoded.
func validateFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return Validate(path, bytes.NewReader(b))
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// a job read from the file is enabled unless it says otherwise
	if raw, ok := v.Get("jobs").([]any); ok {
		for i, r := range raw {
			m, ok := r.(map[string]any)
			if !ok || i >= len(cfg.Jobs) {
				continue
			}
			if _, set := m["enabled"]; !set {
				cfg.Jobs[i].Enabled = true
			}
		}
	}

	for i, j := range cfg.Jobs {
		if tool, err := model.ParseTool(string(j.Tool)); err == nil {
			cfg.Jobs[i].Tool = tool
		}
		if mode, err := model.ParseMode(cfg.Jobs[i].Tool, string(j.Mode)); err == nil {
			cfg.Jobs[i].Mode = mode
		}
	}
	return cfg, nil
}

// Config returns a copy of the current config.
func (s *Store) Config() Config {
	s.mx.Lock()
	defer s.mx.Unlock()
	cfg := s.cfg
	cfg.Jobs = cloneJobs(s.cfg.Jobs)
	return cfg
}

// Path is the config file in use, or the one SaveJobs would create.
func (s *Store) Path() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	if p := s.v.ConfigFileUsed(); p != "" {
		return p
	}
	return s.defaultPath
}

// Watch calls fn with the new config after every change of the file. A
// config which fails to load is passed with its error and is not applied.
// Running cycles keep their own snapshot.
func (s *Store) Watch(fn func(Config, error)) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		slog.Debug("config changed", "path", e.Name, "op", e.Op.String())
		cfg, err := s.reload()
		fn(cfg, err)
	})
	s.v.WatchConfig()
}

func (s *Store) reload() (Config, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := validateFile(s.v.ConfigFileUsed()); err != nil {
		return Config{}, err
	}
	cfg, err := decode(s.v)
	if err != nil {
		return Config{}, err
	}
	s.cfg = cfg
	ret := cfg
	ret.Jobs = cloneJobs(cfg.Jobs)
	return ret, nil
}

// SaveJobs validates jobs and writes them to the config file, which is created
// when it does not exist yet.
func (s *Store) SaveJobs(jobs []model.Job) error {
	var errs []error
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.Key(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	path := s.v.ConfigFileUsed()
	if path == "" {
		path = s.defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	jobs = cloneJobs(jobs)
	s.v.Set("jobs", jobs)
	if err := s.v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	s.v.SetConfigFile(path)
	s.cfg.Jobs = jobs
	return nil
}

func cloneJobs(jobs []model.Job) []model.Job {
	if jobs == nil {
		return nil
	}
	ret := make([]model.Job, len(jobs))
	for i, j := range jobs {
		ret[i] = j.Clone()
	}
	return ret
}
