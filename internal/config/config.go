// Package config loads Bakery's environment-variable configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback,
// returning an error on unparsable input.
func GetInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return parsed, nil
}

// GetDuration parses a duration-typed environment variable or returns fallback.
func GetDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return parsed, nil
}

// Config holds daemon-wide runtime configuration, sourced from BAKERY_* env vars.
type Config struct {
	Host            string
	Port            int
	DataDir         string
	HostSuffix      string
	PortRangeStart  int
	PortRangeEnd    int
	RouterPorts     []int
	LogLevel        string
	ShutdownTimeout time.Duration
}

var defaultRouterPorts = []int{80, 443, 4080}

// Load builds a Config from the environment, applying documented defaults
// and failing loudly on malformed numeric fields.
func Load() (Config, error) {
	cfg := Config{
		Host:       GetString("BAKERY_HOST", "127.0.0.1"),
		HostSuffix: GetString("BAKERY_HOST_SUFFIX", "localtest.me"),
		LogLevel:   GetString("BAKERY_LOG_LEVEL", "info"),
	}

	port, err := GetInt("BAKERY_PORT", 47123)
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	rangeStart, err := GetInt("BAKERY_PORT_RANGE_START", 30000)
	if err != nil {
		return Config{}, err
	}
	rangeEnd, err := GetInt("BAKERY_PORT_RANGE_END", 45000)
	if err != nil {
		return Config{}, err
	}
	if rangeEnd < rangeStart {
		return Config{}, fmt.Errorf("BAKERY_PORT_RANGE_END (%d) must be >= BAKERY_PORT_RANGE_START (%d)", rangeEnd, rangeStart)
	}
	cfg.PortRangeStart = rangeStart
	cfg.PortRangeEnd = rangeEnd

	shutdownTimeout, err := GetDuration("BAKERY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout = shutdownTimeout

	dataDir := os.Getenv("BAKERY_DATA_DIR")
	if strings.TrimSpace(dataDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".bakery")
	}
	cfg.DataDir = dataDir

	cfg.RouterPorts = parseRouterPorts(os.Getenv("BAKERY_ROUTER_PORTS"))

	return cfg, nil
}

// parseRouterPorts parses a comma-separated candidate list, discarding
// invalid tokens and falling back to the default list if all are invalid.
func parseRouterPorts(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return append([]int(nil), defaultRouterPorts...)
	}
	var ports []int
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		port, err := strconv.Atoi(token)
		if err != nil || port <= 0 || port > 65535 {
			log.Printf("bakery: ignoring invalid router port candidate %q", token)
			continue
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return append([]int(nil), defaultRouterPorts...)
	}
	return ports
}
