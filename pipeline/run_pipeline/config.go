package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// Config is the run_pipeline configuration.
type Config struct {
	// Tasks is the number of tasks in the farm.
	Tasks int `yaml:"tasks" validate:"min=1"`

	// Stride idles every rank whose world rank is not a
	// multiple of it.
	Stride int `yaml:"stride" validate:"min=0"`

	// TagStart is the base tag of the gathers.
	TagStart int `yaml:"tag_start" validate:"min=0"`

	// Seed makes the demo samples reproducible.
	Seed int64 `yaml:"seed"`

	Demo  DemoConfig  `yaml:"demo"`
	Local LocalConfig `yaml:"local"`
	Net   NetConfig   `yaml:"net"`
}

// DemoConfig sizes the demo task's outputs.
type DemoConfig struct {
	// Dim is the length of each Gaussian sample.
	Dim int `yaml:"dim" validate:"min=1"`

	// PatchSize is the side of each stacked patch.
	PatchSize int `yaml:"patch_size" validate:"min=1"`
}

// LocalConfig configures a simulated in-process world.
type LocalConfig struct {
	Ranks int `yaml:"ranks" validate:"min=1"`

	// Network is one of random, ordered or switched.
	Network string `yaml:"network" validate:"regexp=^(random|ordered|switched)$"`

	// MaxDelay bounds the virtual message latency.
	MaxDelay float64 `yaml:"max_delay" validate:"min=0"`

	// Rate is the bytes per unit of virtual time of the
	// ordered and switched networks.
	Rate float64 `yaml:"rate" validate:"min=0"`
}

// NetConfig configures a multi-process world.
type NetConfig struct {
	// Peers lists the address of every rank, in rank order.
	// An empty list runs the local world instead.
	Peers []string `yaml:"peers"`

	Rank        int           `yaml:"rank" validate:"min=0"`
	Listen      string        `yaml:"listen"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ValidationError is returned when a configuration fails
// validation.
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField gets the validation error of a field.
func (v ValidationError) ErrForField(name string) error {
	return v.errorMap[name]
}

func (v ValidationError) Error() string {
	var w bytes.Buffer
	fmt.Fprintf(&w, "validation failed")
	for f, err := range v.errorMap {
		fmt.Fprintf(&w, "   %s: %v\n", f, err)
	}
	return w.String()
}

func defaultConfig() *Config {
	return &Config{
		Tasks:  12,
		Stride: 1,
		Seed:   1,
		Demo: DemoConfig{
			Dim:       3,
			PatchSize: 4,
		},
		Local: LocalConfig{
			Ranks:    4,
			Network:  "random",
			MaxDelay: 0.1,
			Rate:     1e6,
		},
		Net: NetConfig{
			DialTimeout: 30 * time.Second,
		},
	}
}

// Parse merges the YAML files into cfg in order and
// validates the result.
func Parse(cfg *Config, files ...string) error {
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(err, "parse config %s", name)
		}
	}
	return Validate(cfg)
}

// Validate checks field constraints and the network
// settings.
func Validate(cfg *Config) error {
	if err := validator.Validate(cfg); err != nil {
		if m, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errorMap: m}
		}
		return err
	}
	if cfg.Local.Network != "random" && cfg.Local.Rate <= 0 {
		return errors.Errorf("network %s needs a positive rate", cfg.Local.Network)
	}
	if len(cfg.Net.Peers) > 0 && cfg.Net.Rank >= len(cfg.Net.Peers) {
		return errors.Errorf("rank %d out of range for %d peers", cfg.Net.Rank, len(cfg.Net.Peers))
	}
	return nil
}
