// Package config loads the hub configuration: a YAML file, then OCPIHUB_*
// environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ocpihub.org/internal/command"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/replication"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "OCPIHUB_CONFIG"

// Config is the complete hub configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
	// BaseURL is how partners reach this hub, e.g. https://hub.example.com.
	BaseURL string `yaml:"base_url"`
	// Roles are the local parties the hub represents.
	Roles []Role `yaml:"roles"`

	Server      Server             `yaml:"server"`
	Database    Database           `yaml:"database"`
	NATS        NATS               `yaml:"nats"`
	Admin       Admin              `yaml:"admin"`
	Client      Client             `yaml:"client"`
	Discovery   Discovery          `yaml:"discovery"`
	Replication replication.Config `yaml:"replication"`
	Outbound    outbound.Config    `yaml:"outbound"`
	Commands    command.Config     `yaml:"commands"`
}

// Role is one local party.
type Role struct {
	Role        ocpi.Role `yaml:"role"`
	CountryCode string    `yaml:"country_code"`
	PartyID     string    `yaml:"party_id"`
	Name        string    `yaml:"name"`
	Website     string    `yaml:"website"`
}

// Server tunes the inbound HTTP surface.
type Server struct {
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	// RatePerSecond and RateBurst bound requests per client address; zero disables.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// Database selects PostgreSQL; an empty DSN keeps everything in memory.
type Database struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATS enables the event bridge when URL is set.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Admin protects /admin. An empty secret disables the admin surface.
type Admin struct {
	Secret       string        `yaml:"secret"`
	Issuer       string        `yaml:"issuer"`
	PasswordHash string        `yaml:"password_hash"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// Client tunes outbound calls to partners.
type Client struct {
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	CacheSize     int           `yaml:"cache_size"`
}

// Discovery tunes the partner reachability loop and the command sweep.
type Discovery struct {
	Interval      time.Duration `yaml:"interval"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns a configuration that listens on :8080 with in-memory
// stores. It has no roles, so Validate fails until at least one is set.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		GRPCAddr:   ":9090",
		BaseURL:    "http://localhost:8080",
		Server: Server{
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			MaxBodyBytes:  1 << 20,
			RatePerSecond: 50,
			RateBurst:     100,
		},
		Database: Database{MaxOpenConns: 10, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute},
		NATS:     NATS{SubjectPrefix: "ocpi"},
		Admin:    Admin{Issuer: "ocpihub", TokenTTL: time.Hour},
		Client: Client{
			Timeout:       15 * time.Second,
			RatePerSecond: 20,
			Burst:         10,
			CacheSize:     256,
		},
		Discovery: Discovery{
			Interval:      30 * time.Second,
			BackoffBase:   30 * time.Second,
			BackoffMax:    time.Hour,
			SweepInterval: time.Second,
		},
		Replication: replication.DefaultConfig(),
		Outbound:    outbound.DefaultConfig(),
		Commands:    command.DefaultConfig(),
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are errors.
func Decode(r io.Reader, cfg *Config) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from OCPIHUB_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("OCPIHUB_LISTEN_ADDR", &c.ListenAddr)
	str("OCPIHUB_GRPC_ADDR", &c.GRPCAddr)
	str("OCPIHUB_BASE_URL", &c.BaseURL)
	str("OCPIHUB_PG_DSN", &c.Database.DSN)
	str("OCPIHUB_NATS_URL", &c.NATS.URL)
	str("OCPIHUB_ADMIN_SECRET", &c.Admin.Secret)
	str("OCPIHUB_ADMIN_PASSWORD_HASH", &c.Admin.PasswordHash)

	if v, ok := lookup("OCPIHUB_OUTBOUND_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OCPIHUB_OUTBOUND_WORKERS: %w", err)
		}
		c.Outbound.Workers = n
	}
	if v, ok := lookup("OCPIHUB_COMMAND_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OCPIHUB_COMMAND_TIMEOUT: %w", err)
		}
		c.Commands.Timeout = d
	}
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL))
	}
	if len(c.Roles) == 0 {
		errs = append(errs, errors.New("at least one role is required"))
	}
	seen := map[string]bool{}
	for i, r := range c.Roles {
		if !r.Role.Valid() {
			errs = append(errs, fmt.Errorf("roles[%d]: unknown role %q", i, r.Role))
		}
		if len(r.CountryCode) != 2 || len(r.PartyID) != 3 {
			errs = append(errs, fmt.Errorf("roles[%d]: country_code needs 2 and party_id 3 characters", i))
		}
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, fmt.Errorf("roles[%d]: name is required", i))
		}
		id := r.Credentials().Identity()
		if seen[id] {
			errs = append(errs, fmt.Errorf("roles[%d]: duplicate %s", i, id))
		}
		seen[id] = true
	}
	if c.Replication.DefaultLimit <= 0 || c.Replication.MaxLimit < c.Replication.DefaultLimit {
		errs = append(errs, errors.New("replication: need 0 < default_limit <= max_limit"))
	}
	for module, pol := range c.Replication.Modules {
		if _, ok := ocpi.LookupModule(module); !ok {
			errs = append(errs, fmt.Errorf("replication.modules: unknown module %q", module))
		}
		if pol.Retention != nil && *pol.Retention != replication.RetentionRemove && *pol.Retention != replication.RetentionTombstone {
			errs = append(errs, fmt.Errorf("replication.modules.%s: unknown retention %q", module, *pol.Retention))
		}
	}
	if c.Outbound.Workers <= 0 || c.Outbound.QueueSize <= 0 {
		errs = append(errs, errors.New("outbound: workers and queue_size must be positive"))
	}
	if c.Outbound.PerPartner < 0 {
		errs = append(errs, errors.New("outbound.per_partner must not be negative"))
	}
	if c.Commands.Timeout <= 0 {
		errs = append(errs, errors.New("commands.timeout must be positive"))
	}
	if c.Admin.PasswordHash != "" && c.Admin.Secret == "" {
		errs = append(errs, errors.New("admin.password_hash needs admin.secret"))
	}
	if c.Discovery.BackoffBase <= 0 || c.Discovery.BackoffMax < c.Discovery.BackoffBase {
		errs = append(errs, errors.New("discovery: need 0 < backoff_base <= backoff_max"))
	}
	return errors.Join(errs...)
}

// Credentials renders the role as exchanged during registration.
func (r Role) Credentials() ocpi.CredentialsRole {
	return ocpi.CredentialsRole{
		Role:            r.Role,
		CountryCode:     strings.ToUpper(r.CountryCode),
		PartyID:         strings.ToUpper(r.PartyID),
		BusinessDetails: ocpi.BusinessDetails{Name: r.Name, Website: r.Website},
	}
}

// LocalRoles returns all local roles as credentials roles.
func (c Config) LocalRoles() []ocpi.CredentialsRole {
	out := make([]ocpi.CredentialsRole, 0, len(c.Roles))
	for _, r := range c.Roles {
		out = append(out, r.Credentials())
	}
	return out
}
