// Package config resolves server configuration from defaults, an optional
// YAML file, LANBEAM_* environment variables, and command-line flags, in
// that precedence order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved server configuration.
type Config struct {
	ListenHTTPS string
	ListenHTTP  string
	WebRoot     string
	StateDir    string
	LogLevel    string

	PasscodeTTL     time.Duration
	CertValidity    time.Duration
	CertRenewWindow time.Duration
	CertRotateDay   int
}

const (
	defaultListenHTTPS     = ":8443"
	defaultListenHTTP      = ":8080"
	defaultLogLevel        = "info"
	defaultPasscodeTTL     = 5 * time.Minute
	defaultCertValidity    = 180 * 24 * time.Hour
	defaultCertRenewWindow = 7 * 24 * time.Hour
	defaultCertRotateDay   = 1
)

// fileConfig mirrors Config for the YAML file; durations are strings so
// the file can say "5m" rather than nanosecond counts.
type fileConfig struct {
	ListenHTTPS     string `yaml:"listen_https"`
	ListenHTTP      string `yaml:"listen_http"`
	WebRoot         string `yaml:"web_root"`
	StateDir        string `yaml:"state_dir"`
	LogLevel        string `yaml:"log_level"`
	PasscodeTTL     string `yaml:"passcode_ttl"`
	CertValidity    string `yaml:"cert_validity"`
	CertRenewWindow string `yaml:"cert_renew_window"`
	CertRotateDay   int    `yaml:"cert_rotate_day"`
}

// ParseFlags resolves the configuration for the given argument list. The
// config file path itself comes from --config or LANBEAM_CONFIG.
func ParseFlags(args []string) (Config, error) {
	cfg := Config{
		ListenHTTPS:     defaultListenHTTPS,
		ListenHTTP:      defaultListenHTTP,
		StateDir:        defaultStateDir(),
		LogLevel:        defaultLogLevel,
		PasscodeTTL:     defaultPasscodeTTL,
		CertValidity:    defaultCertValidity,
		CertRenewWindow: defaultCertRenewWindow,
		CertRotateDay:   defaultCertRotateDay,
	}

	configPath := configFilePath(args)
	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return cfg, err
		}
	}

	cfg.ListenHTTPS = envOrDefault("LANBEAM_LISTEN_HTTPS", cfg.ListenHTTPS)
	cfg.ListenHTTP = envOrDefault("LANBEAM_LISTEN_HTTP", cfg.ListenHTTP)
	cfg.WebRoot = envOrDefault("LANBEAM_WEB_ROOT", cfg.WebRoot)
	cfg.StateDir = envOrDefault("LANBEAM_STATE_DIR", cfg.StateDir)
	cfg.LogLevel = envOrDefault("LANBEAM_LOG_LEVEL", cfg.LogLevel)
	cfg.CertRotateDay = envIntOrDefault("LANBEAM_CERT_ROTATE_DAY", cfg.CertRotateDay)

	fs := flag.NewFlagSet("lanbeam", flag.ContinueOnError)
	var configFlag string
	fs.StringVar(&configFlag, "config", configPath, "Path to YAML config file")
	fs.StringVar(&cfg.ListenHTTPS, "listen", cfg.ListenHTTPS, "HTTPS listen address")
	fs.StringVar(&cfg.ListenHTTP, "listen-http", cfg.ListenHTTP, "Plain HTTP redirect listen address")
	fs.StringVar(&cfg.WebRoot, "web-root", cfg.WebRoot, "Directory with the browser UI (optional)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory for certificates, socket, and pidfile")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.CertRotateDay, "cert-rotate-day", cfg.CertRotateDay, "Day of month for scheduled certificate rotation")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenHTTPS) == "" {
		return errors.New("https listen address must not be empty")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("state dir must not be empty")
	}
	if c.CertRotateDay < 1 || c.CertRotateDay > 31 {
		return errors.New("cert rotate day must be between 1 and 31")
	}
	if c.PasscodeTTL <= 0 {
		return errors.New("passcode ttl must be > 0")
	}
	if c.CertValidity <= c.CertRenewWindow {
		return errors.New("cert validity must exceed the renew window")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log level must be one of: debug, info, warn, error")
	}
	return nil
}

// CertDir is where certificate material is persisted.
func (c Config) CertDir() string { return filepath.Join(c.StateDir, "cert") }

// ControlSocketPath is the launcher command channel.
func (c Config) ControlSocketPath() string { return filepath.Join(c.StateDir, "control.sock") }

// PidFilePath records the background process ID for the launcher.
func (c Config) PidFilePath() string { return filepath.Join(c.StateDir, "lanbeam.pid") }

// LogFilePath receives the background process log stream.
func (c Config) LogFilePath() string { return filepath.Join(c.StateDir, "lanbeam.log") }

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenHTTPS != "" {
		cfg.ListenHTTPS = fc.ListenHTTPS
	}
	if fc.ListenHTTP != "" {
		cfg.ListenHTTP = fc.ListenHTTP
	}
	if fc.WebRoot != "" {
		cfg.WebRoot = fc.WebRoot
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.CertRotateDay != 0 {
		cfg.CertRotateDay = fc.CertRotateDay
	}
	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.PasscodeTTL, "passcode_ttl", &cfg.PasscodeTTL},
		{fc.CertValidity, "cert_validity", &cfg.CertValidity},
		{fc.CertRenewWindow, "cert_renew_window", &cfg.CertRenewWindow},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: invalid %s: %w", path, d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// configFilePath pre-scans args for --config so the file can be applied
// before flags are bound; the flag itself is re-parsed later only to keep
// usage output complete.
func configFilePath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "-config="):
			return strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return os.Getenv("LANBEAM_CONFIG")
}

func defaultStateDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "lanbeam")
	}
	return "./lanbeam"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
