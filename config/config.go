// Package config loads the agent's ini-style configuration file.
//
// Configuration file loading is named in spec.md as an out-of-scope
// external collaborator: the core only ever consumes an already-populated
// Config value. No ini-parsing library appears anywhere in the retrieval
// pack, so this loader is a small hand-rolled scanner rather than an
// adopted third-party dependency (see DESIGN.md).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the immutable, process-wide configuration for one agent run.
// Every field below is populated once at startup and never mutated
// afterwards (§3 of spec.md).
type Config struct {
	// [client]
	HawkbitServer   string // host:port
	SSL             bool
	SSLVerify       bool
	SSLKey          string
	SSLCert         string
	SSLEngine       string
	AuthToken       string
	GatewayToken    string
	TargetName      string // tenant id
	ControllerID    string
	BundleDownload  string // bundle_download_location
	ConnectTimeout  int    // seconds
	Timeout         int    // seconds
	RetryWait       int    // seconds, poll interval when polling.sleep cannot be parsed
	PollingRetryWait int   // seconds, backoff after a failed controller-base poll
	LowSpeedTime    int // seconds
	LowSpeedRate    int // bytes/s
	ResumeDownloads bool
	StreamBundle    bool
	PostUpdateReboot bool
	LogLevel        string

	// [device]
	Device map[string]string
}

// Defaults mirror §6 of spec.md.
const (
	DefaultConnectTimeout   = 20
	DefaultTimeout          = 60
	DefaultRetryWait        = 300
	DefaultPollingRetryWait = 300
	DefaultLogLevel         = "message"
)

// Load reads an ini-style file with [client] and [device] sections. Keys not
// recognized in either section are ignored, matching the original loader's
// tolerance for forward-compatible config files.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg := &Config{
		SSL:            true,
		SSLVerify:      true,
		ConnectTimeout:   DefaultConnectTimeout,
		Timeout:          DefaultTimeout,
		RetryWait:        DefaultRetryWait,
		PollingRetryWait: DefaultPollingRetryWait,
		LogLevel:         DefaultLogLevel,
		Device:           map[string]string{},
	}

	section := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		key, val, ok := splitKV(line)
		if !ok {
			continue
		}
		switch section {
		case "client":
			applyClientKey(cfg, key, val)
		case "device":
			cfg.Device[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitKV(line string) (key, val string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:idx]))
	val = strings.TrimSpace(line[idx+1:])
	return key, val, true
}

func applyClientKey(cfg *Config, key, val string) {
	switch key {
	case "hawkbit_server":
		cfg.HawkbitServer = val
	case "ssl":
		cfg.SSL = parseBool(val, cfg.SSL)
	case "ssl_verify":
		cfg.SSLVerify = parseBool(val, cfg.SSLVerify)
	case "ssl_key":
		cfg.SSLKey = val
	case "ssl_cert":
		cfg.SSLCert = val
	case "ssl_engine":
		cfg.SSLEngine = val
	case "auth_token":
		cfg.AuthToken = val
	case "gateway_token":
		cfg.GatewayToken = val
	case "tenant_id":
		cfg.TargetName = val
	case "controller_id":
		cfg.ControllerID = val
	case "bundle_download_location":
		cfg.BundleDownload = val
	case "connect_timeout":
		cfg.ConnectTimeout = parseInt(val, cfg.ConnectTimeout)
	case "timeout":
		cfg.Timeout = parseInt(val, cfg.Timeout)
	case "retry_wait":
		cfg.RetryWait = parseInt(val, cfg.RetryWait)
	case "polling_retry_wait":
		cfg.PollingRetryWait = parseInt(val, cfg.PollingRetryWait)
	case "low_speed_time":
		cfg.LowSpeedTime = parseInt(val, cfg.LowSpeedTime)
	case "low_speed_rate":
		cfg.LowSpeedRate = parseInt(val, cfg.LowSpeedRate)
	case "resume_downloads":
		cfg.ResumeDownloads = parseBool(val, cfg.ResumeDownloads)
	case "stream_bundle":
		cfg.StreamBundle = parseBool(val, cfg.StreamBundle)
	case "post_update_reboot":
		cfg.PostUpdateReboot = parseBool(val, cfg.PostUpdateReboot)
	case "log_level":
		cfg.LogLevel = val
	}
}

func parseBool(val string, fallback bool) bool {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

// Validate enforces §6's cross-field rules: exactly one of auth_token /
// gateway_token must be set, and timeout must exceed connect_timeout when
// both are positive.
func (c *Config) Validate() error {
	if c.HawkbitServer == "" {
		return fmt.Errorf("hawkbit_server is required")
	}
	if (c.AuthToken == "") == (c.GatewayToken == "") {
		return fmt.Errorf("exactly one of auth_token or gateway_token must be set")
	}
	if c.Timeout > 0 && c.ConnectTimeout > 0 && c.Timeout <= c.ConnectTimeout {
		return fmt.Errorf("timeout (%d) must be greater than connect_timeout (%d)", c.Timeout, c.ConnectTimeout)
	}
	return nil
}

// AuthHeader returns the Authorization header value (SPEC_FULL.md,
// supplemented feature 1). It is rebuilt on every call rather than cached:
// exactly one of TargetToken or GatewayToken is ever set, so it's a pure
// function of Config, safe to call repeatedly.
func (c *Config) AuthHeader() string {
	if c.AuthToken != "" {
		return "TargetToken " + c.AuthToken
	}
	return "GatewayToken " + c.GatewayToken
}

func (c *Config) Scheme() string {
	if c.SSL {
		return "https"
	}
	return "http"
}

func (c *Config) BaseURL() string {
	return c.Scheme() + "://" + c.HawkbitServer
}
