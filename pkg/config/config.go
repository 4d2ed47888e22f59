// Package config loads orchestrator configuration from an optional YAML file
// and the environment. Environment variables always win over file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDailyTemplate is the daily upstream URL used when none is configured.
const DefaultDailyTemplate = "http://192.168.58.113:8000/image/480x800?date=%DATE%"

// Config holds the effective orchestrator configuration.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string

	// DataDir holds the sqlite database, asset files, and audit log.
	DataDir string

	// DailyTemplate is the daily upstream URL template; the literal token
	// %DATE% is replaced with the local date.
	DailyTemplate string

	// PublicBaseURL, when set, is used verbatim to build asset URLs.
	// Otherwise the URL is derived from the incoming request.
	PublicBaseURL string

	// DefaultPollSeconds is the poll interval offered to devices that do not
	// request one. Floor 60.
	DefaultPollSeconds int

	// OperatorToken guards operator endpoints. Empty disables the check.
	OperatorToken string

	// PublicPhotoToken gates /public/daily.bmp. Empty disables the endpoint.
	PublicPhotoToken string

	// DeviceTokens maps device_id to its expected token. The key "*" is a
	// wildcard fallback.
	DeviceTokens map[string]string

	// DailyFetchTimeout bounds the outbound daily image fetch. Floor 1s.
	DailyFetchTimeout time.Duration

	// TimezoneName is the IANA zone used for daily date resolution.
	TimezoneName string

	// Location is the loaded zone for TimezoneName.
	Location *time.Location
}

// fileConfig is the YAML config file shape. All fields are optional.
type fileConfig struct {
	Listen                   string            `yaml:"listen"`
	DataDir                  string            `yaml:"data_dir"`
	DailyImageURLTemplate    string            `yaml:"daily_image_url_template"`
	PublicBaseURL            string            `yaml:"public_base_url"`
	DefaultPollSeconds       int               `yaml:"default_poll_seconds"`
	PhotoframeToken          string            `yaml:"photoframe_token"`
	PublicDailyBMPToken      string            `yaml:"public_daily_bmp_token"`
	DeviceTokenMap           map[string]string `yaml:"device_token_map"`
	DailyFetchTimeoutSeconds float64           `yaml:"daily_fetch_timeout_seconds"`
	Timezone                 string            `yaml:"timezone"`
}

// Load builds the configuration. path may be empty (no config file); a
// missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Listen:             ":8080",
		DataDir:            "data",
		DailyTemplate:      DefaultDailyTemplate,
		DefaultPollSeconds: 3600,
		DailyFetchTimeout:  10 * time.Second,
		TimezoneName:       "Asia/Shanghai",
		DeviceTokens:       map[string]string{},
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.DefaultPollSeconds < 60 {
		cfg.DefaultPollSeconds = 60
	}
	if cfg.DailyFetchTimeout < time.Second {
		cfg.DailyFetchTimeout = time.Second
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	loc, err := time.LoadLocation(cfg.TimezoneName)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.TimezoneName, err)
	}
	cfg.Location = loc

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if fc.Listen != "" {
		c.Listen = fc.Listen
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.DailyImageURLTemplate != "" {
		c.DailyTemplate = fc.DailyImageURLTemplate
	}
	if fc.PublicBaseURL != "" {
		c.PublicBaseURL = fc.PublicBaseURL
	}
	if fc.DefaultPollSeconds > 0 {
		c.DefaultPollSeconds = fc.DefaultPollSeconds
	}
	if fc.PhotoframeToken != "" {
		c.OperatorToken = fc.PhotoframeToken
	}
	if fc.PublicDailyBMPToken != "" {
		c.PublicPhotoToken = fc.PublicDailyBMPToken
	}
	for k, v := range fc.DeviceTokenMap {
		key := strings.TrimSpace(k)
		if key == "" {
			key = "*"
		}
		if tok := strings.TrimSpace(v); tok != "" {
			c.DeviceTokens[key] = tok
		}
	}
	if fc.DailyFetchTimeoutSeconds > 0 {
		c.DailyFetchTimeout = time.Duration(fc.DailyFetchTimeoutSeconds * float64(time.Second))
	}
	if fc.Timezone != "" {
		c.TimezoneName = fc.Timezone
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DAILY_IMAGE_URL_TEMPLATE"); v != "" {
		c.DailyTemplate = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		c.PublicBaseURL = v
	}
	if v := os.Getenv("DEFAULT_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultPollSeconds = n
		}
	}
	if v := os.Getenv("PHOTOFRAME_TOKEN"); v != "" {
		c.OperatorToken = v
	}
	if v := os.Getenv("PUBLIC_DAILY_BMP_TOKEN"); v != "" {
		c.PublicPhotoToken = v
	}
	if m := ParseDeviceTokenMap(os.Getenv("DEVICE_TOKEN_MAP_JSON"), os.Getenv("DEVICE_TOKEN_MAP")); len(m) > 0 {
		c.DeviceTokens = m
	}
	if v := os.Getenv("DAILY_FETCH_TIMEOUT_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DailyFetchTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("TZ"); v != "" {
		c.TimezoneName = v
	}
}

// ParseDeviceTokenMap merges the two accepted device token map encodings.
// The CSV form ("id=token,id2=token2") is parsed first for backwards
// compatibility; entries from the JSON object form overwrite it. A blank
// device id in either form means the "*" wildcard. Malformed JSON is ignored
// so a CSV-only deployment keeps working.
func ParseDeviceTokenMap(rawJSON, rawCSV string) map[string]string {
	tokens := map[string]string{}

	normalize := func(raw string) string {
		if s := strings.TrimSpace(raw); s != "" {
			return s
		}
		return "*"
	}

	if csv := strings.TrimSpace(rawCSV); csv != "" {
		for _, pair := range strings.Split(csv, ",") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			if tok := strings.TrimSpace(value); tok != "" {
				tokens[normalize(key)] = tok
			}
		}
	}

	if js := strings.TrimSpace(rawJSON); js != "" {
		var loaded map[string]string
		if err := json.Unmarshal([]byte(js), &loaded); err == nil {
			for key, value := range loaded {
				if tok := strings.TrimSpace(value); tok != "" {
					tokens[normalize(key)] = tok
				}
			}
		}
	}

	return tokens
}
