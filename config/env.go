package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key and whether it was set to a non-empty value.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvBool parses key as a boolean.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key as a time.Duration ("5s", "250ms").
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overlays the SCRAPER_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if value, ok := EnvString("SCRAPER_BASE_URL"); ok {
		c.BaseURL = value
	}
	if value, ok := EnvString("SCRAPER_OUTPUT"); ok {
		c.OutputFile = value
	}
	if value, ok := EnvString("SCRAPER_SESSION_FILE"); ok {
		c.SessionFile = value
	}
	if value, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		c.MetricsAddr = value
	}
	if value, ok := EnvString("SCRAPER_USERNAME"); ok {
		c.Credentials.Username = value
	}
	if value, ok := EnvString("SCRAPER_PASSWORD"); ok {
		c.Credentials.Password = value
	}
	if value, ok, err := EnvBool("SCRAPER_HEADLESS"); err != nil {
		return err
	} else if ok {
		c.Headless = value
	}
	if value, ok, err := EnvInt("SCRAPER_MAX_BATCHES"); err != nil {
		return err
	} else if ok {
		c.MaxBatches = value
	}
	if value, ok, err := EnvDuration("SCRAPER_LONG_TIMEOUT"); err != nil {
		return err
	} else if ok {
		c.Timeouts.Long = value
	}
	return nil
}
