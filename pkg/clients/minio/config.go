package minio

import (
	"net/url"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// maxStatementTruncateLen bounds the operation descriptions recorded in
// spans so that object keys derived from user ids stay short in telemetry.
const maxStatementTruncateLen = 100

// Defaults for a MinIO deployment reached through a cluster Service.
const (
	DefaultEndpoint = "minio.databases.svc.cluster.local:9000"
	DefaultRegion   = "us-east-1"

	// DefaultHealthTimeout applies to Health when the caller's context has
	// no deadline.
	DefaultHealthTimeout = 5 * time.Second

	// MinSTSDuration is the shortest lifetime requested from STS. The
	// credentials package raises any shorter request to one hour, so
	// shorter settings are raised here rather than silently ignored.
	MinSTSDuration = time.Hour

	DefaultSTSDuration = time.Hour

	// DefaultHealthBucket is probed by Health when no bucket is configured.
	// It does not need to exist.
	DefaultHealthBucket = "health-check-probe"
)

// DelegationMode selects how delegation keys are obtained.
type DelegationMode string

const (
	// DelegationSTS requests temporary credentials from the STS
	// AssumeRole API with a session policy limited to one object.
	DelegationSTS DelegationMode = "sts"

	// DelegationStatic signs with the configured access key directly.
	// The signature window is still enforced, but the key itself is not
	// scoped, so this mode is for local development only.
	DelegationStatic DelegationMode = "static"
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

// MarshalText returns "[REDACTED]" so the secret never lands in JSON or YAML.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config configures a [Client]. Secrets come from the environment only.
type Config struct {
	// Endpoint is the MinIO API host and port.
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"ENDPOINT" envDefault:"minio.databases.svc.cluster.local:9000"`

	// AccessKey and SecretKey identify the service account that assumes
	// roles (sts mode) or signs directly (static mode).
	AccessKey string `yaml:"access_key" json:"access_key" env:"ACCESS_KEY" required:"true"`
	SecretKey Secret `yaml:"-" json:"-" env:"SECRET_KEY"`

	Region string `yaml:"region" json:"region" env:"REGION" envDefault:"us-east-1"`
	UseSSL bool   `yaml:"use_ssl" json:"use_ssl" env:"USE_SSL"`

	// PublicURL is the base URL clients upload to, when it differs from
	// the endpoint (for example behind an ingress). Signatures cover its
	// host, so it must be the URL clients actually use.
	PublicURL string `yaml:"public_url" json:"public_url" env:"PUBLIC_URL"`

	// AccountName is reported on delegation keys. Defaults to the host of
	// the public URL.
	AccountName string `yaml:"account_name" json:"account_name" env:"ACCOUNT_NAME"`

	Delegation DelegationMode `yaml:"delegation" json:"delegation" env:"DELEGATION" envDefault:"sts"`

	// STSEndpoint overrides the STS URL. Defaults to the endpoint URL,
	// which is where MinIO serves AssumeRole.
	STSEndpoint string `yaml:"sts_endpoint" json:"sts_endpoint" env:"STS_ENDPOINT"`

	// STSDuration is the lifetime requested for temporary credentials,
	// at least [MinSTSDuration]. The credentials outlive the valet window;
	// only the presign expiry bounds an issued token, and the session
	// policy limits the credentials to one object.
	STSDuration time.Duration `yaml:"sts_duration" json:"sts_duration" env:"STS_DURATION" envDefault:"1h"`

	// HealthBucket is probed by Health.
	HealthBucket string `yaml:"health_bucket" json:"health_bucket" env:"HEALTH_BUCKET"`
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:    DefaultEndpoint,
		Region:      DefaultRegion,
		Delegation:  DelegationSTS,
		STSDuration: DefaultSTSDuration,
	}
}

// Validate applies defaults to zero-valued fields and rejects unusable
// configurations.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return sserr.New(sserr.CodeValidation, "minio: config endpoint must not be empty")
	}
	if c.AccessKey == "" {
		return sserr.New(sserr.CodeValidationRequired, "minio: config access_key must not be empty")
	}
	if c.SecretKey == "" {
		return sserr.New(sserr.CodeValidationRequired, "minio: config secret_key must not be empty")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	switch c.Delegation {
	case "":
		c.Delegation = DelegationSTS
	case DelegationSTS, DelegationStatic:
	default:
		return sserr.Newf(sserr.CodeValidationFormat, "minio: unknown delegation mode %q", c.Delegation)
	}
	switch {
	case c.STSDuration == 0:
		c.STSDuration = DefaultSTSDuration
	case c.STSDuration < MinSTSDuration:
		c.STSDuration = MinSTSDuration
	}
	if c.HealthBucket == "" {
		c.HealthBucket = DefaultHealthBucket
	}
	for _, raw := range []string{c.PublicURL, c.STSEndpoint} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return sserr.Newf(sserr.CodeValidationFormat, "minio: %q is not an absolute URL", raw)
		}
	}
	return nil
}

// endpointURL is the scheme-qualified endpoint.
func (c *Config) endpointURL() *url.URL {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: c.Endpoint}
}

// publicURL returns the base URL signed object locators are built on.
func (c *Config) publicURL() *url.URL {
	if c.PublicURL == "" {
		return c.endpointURL()
	}
	u, err := url.Parse(c.PublicURL)
	if err != nil {
		return c.endpointURL()
	}
	return u
}

func (c *Config) stsEndpoint() string {
	if c.STSEndpoint != "" {
		return c.STSEndpoint
	}
	return c.endpointURL().String()
}

func (c *Config) accountName() string {
	if c.AccountName != "" {
		return c.AccountName
	}
	return c.publicURL().Host
}

// truncateStatement shortens s to [maxStatementTruncateLen] runes.
func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
