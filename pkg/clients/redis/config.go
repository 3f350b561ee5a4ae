// Package redis shares fetched signing-key documents between replicas of
// the valet service so that a fleet reads the identity provider's key
// document once per refresh interval instead of once per process.
//
// [Client] implements auth.KeyDocumentStore on top of go-redis:
//
//	cfg := redis.DefaultConfig()
//	cfg.Password = redis.Secret(os.Getenv("REDIS_PASSWORD"))
//	store, err := redis.NewClient(ctx, *cfg)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	cache, err := auth.NewKeyCache(auth.KeyCacheConfig{Authority: authority, Store: store})
//
// For tests, [NewFromClient] injects a mock [Cmdable].
package redis

import (
	"fmt"
	"net/url"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// maxStatementTruncateLen bounds statements recorded in spans.
const maxStatementTruncateLen = 100

// Defaults for a Redis instance reached through a cluster Service.
const (
	DefaultHost          = "redis.databases.svc.cluster.local"
	DefaultPort          = 6379
	DefaultDB            = 0
	DefaultPoolSize      = 10
	DefaultMinIdleConns  = 2
	DefaultMaxRetries    = 3
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 2 * time.Second
	DefaultWriteTimeout  = 2 * time.Second
	DefaultHealthTimeout = 5 * time.Second
	DefaultKeyPrefix     = "valet:"
)

// Secret is a string that renders as "[REDACTED]" when printed or
// serialized. Use [Secret.Value] to read it.
type Secret string

const redacted = "[REDACTED]"

// String returns "[REDACTED]".
func (s Secret) String() string { return redacted }

// GoString returns "[REDACTED]".
func (s Secret) GoString() string { return redacted }

// Value returns the secret itself.
func (s Secret) Value() string { return string(s) }

// MarshalText returns "[REDACTED]".
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config holds the Redis connection configuration. When URI is set it
// takes precedence over Host, Port, DB and Password.
type Config struct {
	// Enabled turns the shared store on. With it off, every replica
	// fetches key documents itself.
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// URI is a redis:// or rediss:// connection string.
	URI string `yaml:"-" json:"-" env:"URI"`

	Host     string `yaml:"host" json:"host" env:"HOST" envDefault:"redis.databases.svc.cluster.local"`
	Port     int    `yaml:"port" json:"port" env:"PORT" envDefault:"6379"`
	DB       int    `yaml:"db" json:"db" env:"DB"`
	Password Secret `yaml:"-" json:"-" env:"PASSWORD"`

	PoolSize     int           `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled" env:"TLS_ENABLED"`

	// KeyPrefix namespaces every key the store writes.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX" envDefault:"valet:"`
}

// DefaultConfig returns a Config with the package defaults. The store is
// enabled.
func DefaultConfig() *Config {
	c := &Config{Enabled: true, Host: DefaultHost, Port: DefaultPort, DB: DefaultDB}
	c.applyDefaults()
	return c
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return sserr.Wrap(err, sserr.CodeValidationFormat, "redis: config URI is invalid")
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return sserr.Newf(sserr.CodeValidationFormat, "redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	switch {
	case c.Port < 1 || c.Port > 65535:
		return sserr.Newf(sserr.CodeValidation, "redis: config port must be between 1 and 65535, got %d", c.Port)
	case c.PoolSize < c.MinIdleConns:
		return sserr.Newf(sserr.CodeValidation, "redis: config pool_size (%d) must be >= min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	case c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return sserr.New(sserr.CodeValidation, "redis: config timeouts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
}

// addr is the host:port dial address.
func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
