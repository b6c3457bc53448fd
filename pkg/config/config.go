// Package config loads gateway configuration from environment
// variables using small, explicit parsing (os.Getenv + strconv)
// rather than a config-file framework, since the deployment surface
// here is a handful of scalars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every gateway tunable, plus the optional Redis notifier
// settings.
type Config struct {
	SerialPort string
	SerialBaud int

	APIHost string
	APIPort int

	PollInterval time.Duration

	TokenRequired      bool
	DestinationAddress uint16

	RequestTimeout   time.Duration
	ParamsPerRequest int

	StateDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads the environment, applying the documented defaults for
// anything unset.
func Load() (Config, error) {
	c := Config{
		SerialPort:         getString("SERIAL_PORT", "/dev/econext"),
		SerialBaud:         115200,
		APIHost:            getString("API_HOST", "0.0.0.0"),
		APIPort:            8080,
		PollInterval:       10 * time.Second,
		TokenRequired:      true,
		DestinationAddress: 1,
		RequestTimeout:     1500 * time.Millisecond,
		ParamsPerRequest:   100,
		StateDir:           getString("STATE_DIR", "/var/lib/gm3-gateway"),
		RedisAddr:          getString("REDIS_ADDR", ""),
		RedisPassword:      getString("REDIS_PASSWORD", ""),
		RedisDB:            0,
	}

	var err error
	if c.SerialBaud, err = getInt("SERIAL_BAUD", c.SerialBaud); err != nil {
		return Config{}, err
	}
	if c.APIPort, err = getInt("API_PORT", c.APIPort); err != nil {
		return Config{}, err
	}
	if c.PollInterval, err = getSeconds("POLL_INTERVAL", c.PollInterval); err != nil {
		return Config{}, err
	}
	if c.TokenRequired, err = getBool("TOKEN_REQUIRED", c.TokenRequired); err != nil {
		return Config{}, err
	}
	destAddr, err := getInt("DESTINATION_ADDRESS", int(c.DestinationAddress))
	if err != nil {
		return Config{}, err
	}
	c.DestinationAddress = uint16(destAddr)
	if c.RequestTimeout, err = getSecondsFloat("REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return Config{}, err
	}
	if c.ParamsPerRequest, err = getInt("PARAMS_PER_REQUEST", c.ParamsPerRequest); err != nil {
		return Config{}, err
	}
	if c.RedisDB, err = getInt("REDIS_DB", c.RedisDB); err != nil {
		return Config{}, err
	}

	return c, nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer: %w", key, v, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s=%q is not a boolean: %w", key, v, err)
	}
	return b, nil
}

func getSeconds(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer number of seconds: %w", key, v, err)
	}
	return time.Duration(n) * time.Second, nil
}

func getSecondsFloat(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number of seconds: %w", key, v, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}
