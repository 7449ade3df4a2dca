package node

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"rubin.dev/rpcnode/rpc/listener"
	"rubin.dev/rpcnode/rpc/readiness"
)

// EnvPrefix prefixes every environment override, e.g. RUBIN_RPC_BIND.
const EnvPrefix = "RUBIN_RPC_"

type Config struct {
	Network  string `json:"network" yaml:"network" env:"NETWORK"`
	DataDir  string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`
	LogLevel string `json:"log_level" yaml:"log_level" env:"LOG_LEVEL"`

	Bind     []string `json:"bind" yaml:"bind" env:"BIND" envSeparator:","`
	AllowIP  []string `json:"allow_ip" yaml:"allow_ip" env:"ALLOW_IP" envSeparator:","`
	User     string   `json:"user" yaml:"user" env:"USER"`
	Password string   `json:"password" yaml:"password" env:"PASSWORD"`

	Workers        int           `json:"workers" yaml:"workers" env:"WORKERS"`
	QueueDepth     int           `json:"queue_depth" yaml:"queue_depth" env:"QUEUE_DEPTH"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownGrace  time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	AcceptRate     float64       `json:"accept_rate" yaml:"accept_rate" env:"ACCEPT_RATE"`
	AcceptBurst    int           `json:"accept_burst" yaml:"accept_burst" env:"ACCEPT_BURST"`

	TLSCert       string `json:"tls_cert" yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey        string `json:"tls_key" yaml:"tls_key" env:"TLS_KEY"`
	TLSSelfSigned bool   `json:"tls_self_signed" yaml:"tls_self_signed" env:"TLS_SELF_SIGNED"`

	REST        bool   `json:"rest" yaml:"rest" env:"REST"`
	MetricsBind string `json:"metrics_bind" yaml:"metrics_bind" env:"METRICS_BIND"`

	WarmupExempt    []string `json:"warmup_exempt" yaml:"warmup_exempt" env:"WARMUP_EXEMPT" envSeparator:","`
	SafeModeAllowed []string `json:"safe_mode_allowed" yaml:"safe_mode_allowed" env:"SAFE_MODE_ALLOWED" envSeparator:","`
	SafeModeCheck   string   `json:"safe_mode_check" yaml:"safe_mode_check" env:"SAFE_MODE_CHECK"`

	MonitorInterval  time.Duration `json:"monitor_interval" yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
	MonitorThreshold int           `json:"monitor_threshold" yaml:"monitor_threshold" env:"MONITOR_THRESHOLD"`

	AuditRetention time.Duration `json:"audit_retention" yaml:"audit_retention" env:"AUDIT_RETENTION"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedNetworks = map[string]struct{}{
	"mainnet": {},
	"testnet": {},
	"devnet":  {},
	"regtest": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".rubin"
	}
	return filepath.Join(home, ".rubin")
}

func DefaultConfig() Config {
	return Config{
		Network:          "devnet",
		DataDir:          DefaultDataDir(),
		LogLevel:         "info",
		Bind:             []string{"127.0.0.1:19112"},
		Workers:          4,
		QueueDepth:       16,
		RequestTimeout:   30 * time.Second,
		IdleTimeout:      60 * time.Second,
		ShutdownGrace:    5 * time.Second,
		AcceptRate:       20,
		AcceptBurst:      40,
		WarmupExempt:     append([]string(nil), readiness.DefaultWarmupExempt...),
		MonitorInterval:  10 * time.Second,
		MonitorThreshold: 3,
		AuditRetention:   30 * 24 * time.Hour,
	}
}

// LoadConfigFile overlays the YAML document at path onto cfg. Keys absent
// from the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	raw, err := readFileByPath(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays RUBIN_RPC_* variables from environ onto cfg.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Redacted renders cfg as YAML with the password masked.
func (c Config) Redacted() ([]byte, error) {
	if c.Password != "" {
		c.Password = "********"
	}
	return yaml.Marshal(c)
}

// NormalizeList splits comma separated tokens, trims them and drops empties
// and duplicates while keeping first-seen order.
func NormalizeList(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func ValidateConfig(cfg Config) error {
	network := strings.ToLower(strings.TrimSpace(cfg.Network))
	if network == "" {
		return errors.New("network is required")
	}
	if _, ok := allowedNetworks[network]; !ok {
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if len(cfg.Bind) == 0 {
		return errors.New("at least one bind address is required")
	}
	for _, addr := range cfg.Bind {
		if err := validateAddr(addr); err != nil {
			return fmt.Errorf("invalid bind %q: %w", addr, err)
		}
	}
	if _, err := listener.ParseAllowList(cfg.AllowIP); err != nil {
		return fmt.Errorf("invalid allow_ip: %w", err)
	}
	if cfg.MetricsBind != "" {
		if err := validateAddr(cfg.MetricsBind); err != nil {
			return fmt.Errorf("invalid metrics_bind: %w", err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.User == "" || cfg.Password == "" {
		return errors.New("user and password are required")
	}
	if strings.Contains(cfg.User, ":") {
		return errors.New("user must not contain ':'")
	}
	if cfg.Workers <= 0 || cfg.Workers > 256 {
		return errors.New("workers must be in [1, 256]")
	}
	if cfg.QueueDepth < 0 || cfg.QueueDepth > 4096 {
		return errors.New("queue_depth must be in [0, 4096]")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return errors.New("idle_timeout must be > 0")
	}
	if cfg.ShutdownGrace < 0 {
		return errors.New("shutdown_grace must be >= 0")
	}
	if cfg.AcceptRate < 0 || cfg.AcceptBurst < 0 {
		return errors.New("accept_rate and accept_burst must be >= 0")
	}
	if cfg.AcceptRate > 0 && cfg.AcceptBurst == 0 {
		return errors.New("accept_burst must be > 0 when accept_rate is set")
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if cfg.TLSSelfSigned && cfg.TLSCert == "" {
		return errors.New("tls_self_signed needs tls_cert and tls_key paths")
	}
	if cfg.SafeModeCheck != "" {
		if _, err := ParseSafeModeCheck(cfg.SafeModeCheck); err != nil {
			return err
		}
		if cfg.MonitorInterval <= 0 {
			return errors.New("monitor_interval must be > 0")
		}
		if cfg.MonitorThreshold <= 0 {
			return errors.New("monitor_threshold must be > 0")
		}
	}
	if cfg.AuditRetention < 0 {
		return errors.New("audit_retention must be >= 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}
