// Package config handles HelixDB configuration from a YAML file plus
// environment overrides.
//
// Configuration is loaded with Load (file) or LoadFromEnv (environment
// only) and validated with Validate before use.
//
// Environment Variables:
//   - HELIX_DATA_DIR: database directory
//   - HELIX_HTTP_ADDR: gateway bind address (host:port)
//   - HELIX_SCHEMA_PATH: path to the .hx source file
//   - HELIX_HNSW_M, HELIX_HNSW_EF_CONSTRUCTION, HELIX_HNSW_EF: vector index tuning
//   - AWS_S3_BUCKET_NAME: object-store tier for the column-family backend
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	SchemaPath string `yaml:"schema_path"`

	Server struct {
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"server"`

	HNSW struct {
		M              int `yaml:"m"`
		EfConstruction int `yaml:"ef_construction"`
		EfSearch       int `yaml:"ef_search"`
	} `yaml:"hnsw"`

	Storage struct {
		SyncWrites bool `yaml:"sync_writes"`
		// S3Bucket backs the column-family engine's object-store tier.
		// Read from AWS_S3_BUCKET_NAME; unused on the ordered-map engine.
		S3Bucket string `yaml:"-"`
	} `yaml:"storage"`
}

// Default returns the baseline configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:    "./data/helixdb",
		SchemaPath: "./schema.hx",
	}
	cfg.Server.HTTPAddr = ":6969"
	cfg.HNSW.M = 16
	cfg.HNSW.EfConstruction = 128
	cfg.HNSW.EfSearch = 128
	return cfg
}

// Load reads a YAML config file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFromEnv builds configuration from defaults plus the environment.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HELIX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HELIX_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("HELIX_SCHEMA_PATH"); v != "" {
		c.SchemaPath = v
	}
	if v := os.Getenv("HELIX_HNSW_M"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HNSW.M = n
		}
	}
	if v := os.Getenv("HELIX_HNSW_EF_CONSTRUCTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HNSW.EfConstruction = n
		}
	}
	if v := os.Getenv("HELIX_HNSW_EF"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HNSW.EfSearch = n
		}
	}
	c.Storage.S3Bucket = os.Getenv("AWS_S3_BUCKET_NAME")
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.HNSW.M != 0 && (c.HNSW.M < 5 || c.HNSW.M > 48) {
		return fmt.Errorf("hnsw.m must be within 5..48, got %d", c.HNSW.M)
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr must be set")
	}
	return nil
}
