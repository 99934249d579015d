/*
Copyright 2024 The Azureformation Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the service configuration from a YAML file with
// environment overrides for the values that differ per deployment.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// Database connects the repository.
	Database Database `yaml:"database"`
	// Azure configures provider client construction.
	Azure Azure `yaml:"azure"`
	// CertificatesDir holds the generated management certificate pairs.
	CertificatesDir string `yaml:"certificates_dir"`
	// Waiter tunes the async and readiness polling loops.
	Waiter Waiter `yaml:"waiter"`
}

// Database is the relational store configuration.
type Database struct {
	// URI is a postgres connection string.
	URI string `yaml:"uri"`
}

// Azure configures the management endpoint.
type Azure struct {
	// ManagementHost overrides the default service management URL, e.g.
	// for the China cloud. Empty keeps the SDK default.
	ManagementHost string `yaml:"management_host"`
}

// Waiter tunes the polling loops. Zero values keep the engine defaults.
type Waiter struct {
	AsyncTick  time.Duration `yaml:"async_tick"`
	AsyncLoops int           `yaml:"async_loops"`
	ReadyTick  time.Duration `yaml:"ready_tick"`
	ReadyLoops int           `yaml:"ready_loops"`
}

// Environment overrides applied after the file is read.
const (
	envListen      = "AZUREFORMATION_LISTEN"
	envDatabaseURI = "AZUREFORMATION_DATABASE_URI"
	envCertsDir    = "AZUREFORMATION_CERTIFICATES_DIR"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:          ":8080",
		CertificatesDir: "certificates",
	}
}

// Load reads the configuration file, if path is non-empty, and applies
// environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(envDatabaseURI); v != "" {
		c.Database.URI = v
	}
	if v := os.Getenv(envCertsDir); v != "" {
		c.CertificatesDir = v
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if c.Database.URI == "" {
		return errors.New("database.uri is required")
	}
	return nil
}
