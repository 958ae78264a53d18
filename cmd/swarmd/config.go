package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of a swarmd instance's server_config file,
// loaded before any service is created so its values can seed the env
// store (spec.md §6).
type Config struct {
	Name          string `yaml:"name"`
	InnerHost     string `yaml:"inner_host"`
	OuterHost     string `yaml:"outer_host"`
	Workers       uint8  `yaml:"workers"`
	AdminAddr     string `yaml:"admin_addr"`
	TransportAddr string `yaml:"transport_addr"`
	ClusterDSN    string `yaml:"cluster_dsn"`
	LogArchiveDir string `yaml:"log_archive_dir"`
}

func defaultConfig() Config {
	return Config{
		Name:          "swarmd",
		InnerHost:     "127.0.0.1",
		OuterHost:     "127.0.0.1",
		Workers:       4,
		AdminAddr:     "127.0.0.1:9090",
		TransportAddr: "127.0.0.1:0",
	}
}

// loadConfig reads a YAML config file. An empty path returns the
// defaults untouched — swarmd is runnable with no config at all.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
