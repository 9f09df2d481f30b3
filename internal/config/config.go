// Package config loads the gateway's YAML configuration with environment
// overrides for deployment-specific values.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/cerberus-gate/fortify/internal/errdefs"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Captcha   CaptchaConfig   `yaml:"captcha"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Ammo      AmmoConfig      `yaml:"ammo"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Passport  PassportConfig  `yaml:"passport"`
	HAProxy   HAProxyConfig   `yaml:"haproxy"`
	Admin     AdminConfig     `yaml:"admin"`
}

type ServerConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	NodeID             string `yaml:"node_id"`
	InitialThreatLevel uint8  `yaml:"initial_threat_level"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type CaptchaConfig struct {
	ChallengeTTLSecs int `yaml:"challenge_ttl_secs"`
	PassportTTLSecs  int `yaml:"passport_ttl_secs"`
}

type CircuitConfig struct {
	TTLSecs           int    `yaml:"ttl_secs"`
	MaxFailedAttempts uint32 `yaml:"max_failed_attempts"`
	SoftLockSecs      int    `yaml:"soft_lock_secs"`
	BanSecs           int    `yaml:"ban_secs"`
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int64 `yaml:"max_requests_per_minute"`
}

type AmmoConfig struct {
	RAMCapacity   int    `yaml:"ram_capacity"`
	CacheDir      string `yaml:"cache_dir"`
	MaxDiskCache  int    `yaml:"max_disk_cache"`
	MinDiskFreeGB int    `yaml:"min_disk_free_gb"`
}

type GossipConfig struct {
	BindAddr           string   `yaml:"bind_addr"`
	Peers              []string `yaml:"peers"`
	IntervalSecs       int      `yaml:"interval_secs"`
	PeerTimeoutSecs    int      `yaml:"peer_timeout_secs"`
	IsolationThreshold float64  `yaml:"isolation_threshold"`
}

type PassportConfig struct {
	HandoffTTLSecs int               `yaml:"handoff_ttl_secs"`
	PrivateKeyPath string            `yaml:"private_key_path"`
	PeerPubKeys    map[string]string `yaml:"peer_pubkeys"`
}

type HAProxyConfig struct {
	SocketPath string `yaml:"socket_path"`
	StickTable string `yaml:"stick_table"`
}

type AdminConfig struct {
	// Token guards the admin surface. Empty disables it entirely.
	Token string `yaml:"token"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         "127.0.0.1:8080",
			NodeID:             uuid.NewString(),
			InitialThreatLevel: 2,
		},
		Redis: RedisConfig{
			URL: "redis://127.0.0.1:6379",
		},
		Captcha: CaptchaConfig{
			ChallengeTTLSecs: 300,
			PassportTTLSecs:  600,
		},
		Circuit: CircuitConfig{
			TTLSecs:           1800,
			MaxFailedAttempts: 5,
			SoftLockSecs:      1800,
			BanSecs:           3600,
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerMinute: 60,
		},
		Ammo: AmmoConfig{
			RAMCapacity:   10_000,
			CacheDir:      "/var/lib/cerberus/ammo",
			MaxDiskCache:  100_000,
			MinDiskFreeGB: 5,
		},
		Gossip: GossipConfig{
			BindAddr:           "0.0.0.0:9000",
			IntervalSecs:       5,
			PeerTimeoutSecs:    30,
			IsolationThreshold: 0.5,
		},
		Passport: PassportConfig{
			HandoffTTLSecs: 30,
		},
		HAProxy: HAProxyConfig{
			SocketPath: "/var/run/haproxy.sock",
			StickTable: "be_stick_tables",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfig, "open config file", err)
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfig, "parse config file", err)
		}
	}

	cfg.applyEnv()

	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = uuid.NewString()
	}
	if cfg.Server.InitialThreatLevel > 10 {
		return nil, errdefs.New(errdefs.KindConfig, "initial_threat_level must be 0-10")
	}
	return cfg, nil
}

// envOr returns the first non-empty value among the named variables.
func envOr(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// applyEnv overlays deployment overrides. Each knob answers to its plain
// name and a FORTIFY_-prefixed variant; the prefixed one wins when both
// are set.
func (c *Config) applyEnv() {
	if v := envOr("FORTIFY_REDIS_URL", "REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := envOr("FORTIFY_LISTEN_ADDR", "LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FORTIFY_NODE_ID"); v != "" {
		c.Server.NodeID = v
	}
	if v := envOr("FORTIFY_ADMIN_TOKEN", "ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("FORTIFY_THREAT_LEVEL"); v != "" {
		if lvl, err := strconv.ParseUint(v, 10, 8); err == nil {
			c.Server.InitialThreatLevel = uint8(lvl)
		}
	}
	if v := os.Getenv("FORTIFY_AMMO_CACHE_DIR"); v != "" {
		c.Ammo.CacheDir = v
	}
}

// ChallengeTTL returns the pending-challenge lifetime.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.Captcha.ChallengeTTLSecs) * time.Second
}

// PassportTTL returns the local passport lifetime.
func (c *Config) PassportTTL() time.Duration {
	return time.Duration(c.Captcha.PassportTTLSecs) * time.Second
}
