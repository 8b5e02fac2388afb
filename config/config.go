// Package config loads the docquery server configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"docquery/logging"
	"docquery/ml"
	"docquery/monitoring"
	"docquery/pipeline"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		ModelCacheSize int           `yaml:"model_cache_size"`
		// APIToken enables bearer authentication when set.
		APIToken string `yaml:"api_token"`
	} `yaml:"http"`
	Log   logging.Config `yaml:"log"`
	Model struct {
		Kind        string  `yaml:"kind"`
		NumClasses  int     `yaml:"num_classes"`
		NumFeatures int     `yaml:"num_features"`
		Selection   string  `yaml:"selection"`
		Noise       float64 `yaml:"noise"`
	} `yaml:"model"`
	Training struct {
		ChunkSize     int     `yaml:"chunk_size"`
		NumChunks     int     `yaml:"num_chunks"`
		Rounds        int     `yaml:"rounds"`
		MaxIterations int     `yaml:"max_iterations"`
		Tolerance     float64 `yaml:"tolerance"`
		Damping       float64 `yaml:"damping"`
	} `yaml:"training"`
	Dataset struct {
		// Root confines server-side training files to one directory.
		Root          string   `yaml:"root"`
		StrictParsing bool     `yaml:"strict_parsing"`
		StrictClasses bool     `yaml:"strict_classes"`
		CleaningRules []string `yaml:"cleaning_rules"`
	} `yaml:"dataset"`
	Alerts monitoring.AlertRules `yaml:"alerts"`
}

func Default() *Config {
	var c Config
	c.Database.Path = "docquery.db"
	c.Http.Port = 8080
	c.Http.Timeout = 5 * time.Minute
	c.Http.AllowedOrigins = []string{"*"}
	c.Http.ModelCacheSize = 16
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	c.Model.Kind = string(ml.KindMultiClass)
	c.Model.NumClasses = 2
	c.Model.NumFeatures = 64
	c.Model.Noise = ml.DefaultNoise
	c.Training.ChunkSize = 100
	c.Training.NumChunks = 150
	c.Training.Rounds = 1
	c.Training.MaxIterations = ml.DefaultMaxIterations
	c.Training.Tolerance = ml.DefaultTolerance
	c.Training.Damping = 1
	c.Dataset.Root = "."
	return &c
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	var err error
	invalid := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid))
	}
	if c.Database.Path == "" {
		invalid("database.path is empty")
	}
	if c.Http.Port < 0 || c.Http.Port > 65535 {
		invalid("http.port %d out of range", c.Http.Port)
	}
	if c.Http.Timeout <= 0 {
		invalid("http.timeout must be positive")
	}
	if c.Http.ModelCacheSize < 1 {
		invalid("http.model_cache_size must be at least 1")
	}
	if _, lerr := logging.ParseLevel(c.Log.Level); lerr != nil {
		invalid("log.level %q unknown", c.Log.Level)
	}
	if _, kerr := ml.ParseKind(c.Model.Kind); kerr != nil {
		invalid("model.kind %q unknown", c.Model.Kind)
	}
	if c.Model.NumClasses < 2 {
		invalid("model.num_classes must be at least 2")
	}
	if c.Model.NumFeatures < 1 {
		invalid("model.num_features must be at least 1")
	}
	if c.Model.Selection != "" {
		sel, serr := pipeline.ParseSelection(c.Model.Selection)
		if serr == nil {
			_, serr = pipeline.NewParser(c.Model.NumFeatures, sel)
		}
		if serr != nil {
			invalid("model.selection: %v", serr)
		}
	}
	if c.Model.Noise <= 0 || math.IsNaN(c.Model.Noise) || math.IsInf(c.Model.Noise, 0) {
		invalid("model.noise must be positive")
	}
	if c.Training.ChunkSize < 1 {
		invalid("training.chunk_size must be at least 1")
	}
	if c.Training.NumChunks < 1 {
		invalid("training.num_chunks must be at least 1")
	}
	if c.Training.Rounds < 1 {
		invalid("training.rounds must be at least 1")
	}
	if c.Training.Tolerance < 0 || math.IsNaN(c.Training.Tolerance) || math.IsInf(c.Training.Tolerance, 0) {
		invalid("training.tolerance must be a finite non-negative number")
	}
	if !(c.Training.Damping >= 0 && c.Training.Damping <= 1) {
		invalid("training.damping must be in [0, 1]")
	}
	if c.Alerts.MaxIterations < 0 || c.Alerts.MaxDuration < 0 || c.Alerts.Cooldown < 0 {
		invalid("alerts thresholds must not be negative")
	}
	if _, rerr := pipeline.ParseRules(c.Dataset.CleaningRules, c.Model.NumClasses); rerr != nil {
		invalid("dataset.cleaning_rules: %v", rerr)
	}
	return err
}

// Selection returns the parsed feature selection, nil for all features.
func (c *Config) Selection() ([]int, error) {
	if c.Model.Selection == "" {
		return nil, nil
	}
	return pipeline.ParseSelection(c.Model.Selection)
}

// Watch calls fn with the reloaded config whenever path changes, until ctx
// is done. Invalid files are reported through onErr and otherwise ignored.
// The parent directory is watched so editors that replace the file are seen.
func Watch(ctx context.Context, path string, fn func(*Config), onErr func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					if onErr != nil {
						onErr(err)
					}
					continue
				}
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			}
		}
	}()
	return nil
}
