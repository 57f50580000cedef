package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the persisted connection target.
type Config struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (c Config) validate() error {
	if c.IP == "" {
		return fmt.Errorf("ip must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path) // For read access.
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}

func saveJSONConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
