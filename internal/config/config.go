package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultListen        = "127.0.0.1:3000"
	DefaultAdminUser     = "admin"
	DefaultAdminPassword = "changeme"
	DefaultSessionSecret = "dev-secret-key"
)

type Config struct {
	Listen string `json:"listen" validate:"required"`

	// BasePath is a URL path prefix (e.g. "/ops") under which the whole UI/API is served.
	// Use "/" to serve at root.
	BasePath string `json:"base_path"`

	// TLSCertFile/TLSKeyFile enable HTTPS when both are set.
	// Relative paths are resolved against the config directory.
	TLSCertFile string `json:"tls_cert_file,omitempty"`
	TLSKeyFile  string `json:"tls_key_file,omitempty"`

	CookieSecure bool `json:"cookie_secure"`
	EnableGRPC   bool `json:"enable_grpc"`

	AdminUser     string `json:"admin_user" validate:"required"`
	AdminPassword string `json:"admin_password" validate:"required"`
	SessionSecret string `json:"session_secret"`
	// SessionTTL is a Go duration string, e.g. "1h" or "30m".
	SessionTTL string `json:"session_ttl"`
	// LoginFailureDelayMS delays failed logins; 0 means the default, negative disables.
	LoginFailureDelayMS int `json:"login_failure_delay_ms"`

	CommandTimeoutMS int   `json:"command_timeout_ms" validate:"gt=0"`
	MaxOutputBytes   int64 `json:"max_output_bytes" validate:"gt=0"`

	ProcRoot      string `json:"proc_root"`
	SSPath        string `json:"ss_path"`
	IptablesPath  string `json:"iptables_path"`
	SystemctlPath string `json:"systemctl_path"`
	KillPath      string `json:"kill_path"`
	FirewallChain string `json:"firewall_chain"`

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error", "off".
	LogLevel string `json:"log_level" validate:"oneof=debug info warn warning error off none disabled"`
	// LogFile is where logs are written. Relative paths are resolved against the config directory.
	// Empty means stdout only.
	LogFile   string `json:"log_file"`
	LogStdout bool   `json:"log_stdout"`
	LogFormat string `json:"log_format" validate:"oneof=text json"`
}

// Default returns a fresh config with a random session secret.
func Default() Config {
	secret, err := randomHex(32)
	if err != nil {
		secret = ""
	}
	cfg := Config{
		Listen:        DefaultListen,
		BasePath:      "/",
		EnableGRPC:    true,
		AdminUser:     DefaultAdminUser,
		AdminPassword: DefaultAdminPassword,
		SessionSecret: secret,
		LogStdout:     true,
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads the JSON config at path, creating it with defaults when missing.
func Load(path string) (Config, error) {
	path = filepath.Clean(path)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			if err := writeFileAtomic(path, cfg, 0o600); err != nil {
				return Config{}, err
			}
			return cfg, nil
		}
		return Config{}, err
	}

	cfg := Config{EnableGRPC: true, LogStdout: true}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.applyDefaults()

	// Older files may predate session_secret; give them one instead of the dev fallback.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err == nil && raw != nil {
		if _, ok := raw["session_secret"]; !ok {
			if secret, err := randomHex(32); err == nil {
				cfg.SessionSecret = secret
				if err := patchRaw(path, raw, map[string]any{"session_secret": secret}); err != nil {
					return Config{}, err
				}
			}
		}
	}
	return cfg, nil
}

// Update sets the given top-level keys in the config file at path. Keys it
// does not name, including ones Config does not know, are kept as written.
func Update(path string, values map[string]any) error {
	path = filepath.Clean(path)
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return patchRaw(path, raw, values)
}

func patchRaw(path string, raw map[string]json.RawMessage, values map[string]any) error {
	for k, v := range values {
		enc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw[k] = enc
	}
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(out, '\n'), 0o600)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	c.BasePath = normalizeBasePath(c.BasePath)
	c.TLSCertFile = strings.TrimSpace(c.TLSCertFile)
	c.TLSKeyFile = strings.TrimSpace(c.TLSKeyFile)
	if c.TLSCertFile != "" {
		c.TLSCertFile = filepath.Clean(c.TLSCertFile)
	}
	if c.TLSKeyFile != "" {
		c.TLSKeyFile = filepath.Clean(c.TLSKeyFile)
	}
	if strings.TrimSpace(c.AdminUser) == "" {
		c.AdminUser = DefaultAdminUser
	}
	if c.AdminPassword == "" {
		c.AdminPassword = DefaultAdminPassword
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		c.SessionSecret = DefaultSessionSecret
	}
	if strings.TrimSpace(c.SessionTTL) == "" {
		c.SessionTTL = "1h"
	}
	if c.LoginFailureDelayMS == 0 {
		c.LoginFailureDelayMS = 3000
	}
	if c.CommandTimeoutMS <= 0 {
		c.CommandTimeoutMS = 30_000
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 10 << 20
	}
	c.ProcRoot = orDefault(c.ProcRoot, "/proc")
	c.SSPath = orDefault(c.SSPath, "ss")
	c.IptablesPath = orDefault(c.IptablesPath, "iptables")
	c.SystemctlPath = orDefault(c.SystemctlPath, "systemctl")
	c.KillPath = orDefault(c.KillPath, "kill")
	c.FirewallChain = orDefault(c.FirewallChain, "INPUT")
	c.LogLevel = strings.ToLower(orDefault(c.LogLevel, "info"))
	c.LogFormat = strings.ToLower(orDefault(c.LogFormat, "text"))
}

// Validate checks the loaded values; call it after ApplyEnv.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: invalid %s (%s=%s): %v", f.Field(), f.Tag(), f.Param(), f.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, port, err := net.SplitHostPort(c.Listen); err != nil || port == "" {
		return fmt.Errorf("config: invalid listen address %q", c.Listen)
	}
	if _, err := c.SessionTTLDuration(); err != nil {
		return err
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("config: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// Warnings lists insecure settings that are allowed but should be fixed.
func (c Config) Warnings() []string {
	var out []string
	if c.AdminPassword == DefaultAdminPassword {
		out = append(out, "admin_password is the default; set PORTDECK_ADMIN_PASSWORD or edit the config")
	}
	if c.SessionSecret == DefaultSessionSecret {
		out = append(out, "session_secret is the development default; sessions can be forged")
	}
	if host, _, err := net.SplitHostPort(c.Listen); err == nil && !isLoopback(host) && !c.TLSEnabled() {
		out = append(out, "listening on a non-loopback address without TLS")
	}
	return out
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func (c Config) SessionTTLDuration() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(c.SessionTTL))
	if err != nil {
		return 0, fmt.Errorf("config: session_ttl: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("config: session_ttl must be positive")
	}
	return d, nil
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

func (c Config) LoginFailureDelay() time.Duration {
	if c.LoginFailureDelayMS < 0 {
		return 0
	}
	return time.Duration(c.LoginFailureDelayMS) * time.Millisecond
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from PORTDECK_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("PORTDECK_LISTEN", &c.Listen)
	set("PORTDECK_ADMIN_USER", &c.AdminUser)
	set("PORTDECK_ADMIN_PASSWORD", &c.AdminPassword)
	set("PORTDECK_SESSION_SECRET", &c.SessionSecret)
	set("PORTDECK_LOG_LEVEL", &c.LogLevel)
	set("PORTDECK_BASE_PATH", &c.BasePath)
	if v, ok := lookup("PORTDECK_COMMAND_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.CommandTimeoutMS = n
		}
	}
	c.BasePath = normalizeBasePath(c.BasePath)
	c.LogLevel = strings.ToLower(c.LogLevel)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func orDefault(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func writeFileAtomic(path string, cfg Config, perm os.FileMode) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(b, '\n'), perm)
}

// WriteFileAtomic writes data to a sibling temp file and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func randomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}
