package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/StricklySoft/stricklysoft-valet/pkg/auth"
	"github.com/StricklySoft/stricklysoft-valet/pkg/clients/minio"
	"github.com/StricklySoft/stricklysoft-valet/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
	"github.com/StricklySoft/stricklysoft-valet/pkg/valet"
)

// envPrefix prefixes every environment variable, e.g. VALETD_MINIO_ENDPOINT.
const envPrefix = "VALETD"

// Config is the complete valetd configuration. Sections map onto
// environment prefixes: VALETD_AUTH_*, VALETD_MINIO_* and so on.
type Config struct {
	Addr           string   `yaml:"addr" json:"addr" env:"ADDR" envDefault:":8080"`
	GRPCAddr       string   `yaml:"grpc_addr" json:"grpc_addr" env:"GRPC_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS"`

	// PolicyFile replaces the built-in policy table with a YAML one.
	PolicyFile string `yaml:"policy_file" json:"policy_file" env:"POLICY_FILE"`

	StartTimeout    time.Duration `yaml:"start_timeout" json:"start_timeout" env:"START_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`

	Log      LogConfig            `yaml:"log" json:"log" env:"LOG"`
	Auth     auth.ValidatorConfig `yaml:"auth" json:"auth" env:"AUTH"`
	Resolver auth.ResolverConfig  `yaml:"resolver" json:"resolver" env:"RESOLVER"`
	Valet    valet.Config         `yaml:"valet" json:"valet" env:"VALET"`
	MinIO    minio.Config         `yaml:"minio" json:"minio" env:"MINIO"`
	Redis    redis.Config         `yaml:"redis" json:"redis" env:"REDIS"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL" envDefault:"info"`
	Format string `yaml:"format" json:"format" env:"FORMAT" envDefault:"json"`
}

// Validate checks every section in turn.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return sserr.New(sserr.CodeValidationRequired, "valetd: addr is required")
	}
	if c.StartTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return sserr.New(sserr.CodeValidation, "valetd: start and shutdown timeouts must be positive")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return sserr.Newf(sserr.CodeValidationFormat, "valetd: log format must be json or text, got %q", c.Log.Format)
	}

	for _, section := range []interface{ Validate() error }{&c.Auth, &c.Valet, &c.MinIO} {
		if err := section.Validate(); err != nil {
			return err
		}
	}
	if c.Redis.Enabled {
		return c.Redis.Validate()
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, sserr.Wrapf(err, sserr.CodeValidationFormat, "valetd: unknown log level %q", l.Level)
	}
	return level, nil
}

// newLogger builds the process logger from a validated LogConfig.
func newLogger(l LogConfig) *slog.Logger {
	level, _ := l.level()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
