package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-valet/internal/testutil"
	"github.com/StricklySoft/stricklysoft-valet/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

type secret string

type authSection struct {
	Authority string        `yaml:"authority" json:"authority" env:"AUTHORITY" required:"true"`
	ClientID  string        `yaml:"client_id" json:"client_id" env:"CLIENT_ID" required:"true"`
	ClockSkew time.Duration `yaml:"clock_skew" json:"clock_skew" env:"CLOCK_SKEW" envDefault:"5m"`
}

type testConfig struct {
	Addr           string      `yaml:"addr" json:"addr" env:"ADDR" envDefault:":8080"`
	AllowedOrigins []string    `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS"`
	Debug          bool        `yaml:"debug" json:"debug" env:"DEBUG"`
	MaxConns       int32       `yaml:"max_conns" json:"max_conns" env:"MAX_CONNS" envDefault:"10"`
	Ratio          float64     `yaml:"ratio" json:"ratio" env:"RATIO" envDefault:"0.5"`
	Password       secret      `yaml:"password" json:"password" env:"PASSWORD"`
	Auth           authSection `yaml:"auth" json:"auth" env:"AUTH"`
}

type validatedConfig struct {
	Port int `env:"PORT" envDefault:"80"`
}

func (c *validatedConfig) Validate() error {
	if c.Port > 65535 {
		return errors.New("port out of range")
	}
	return nil
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Parallel()

	var cfg testConfig
	err := New().WithEnvPrefix("valet").WithLookup(testutil.MapLookup(map[string]string{
		"VALET_ALLOWED_ORIGINS": "https://a.test, https://b.test,,",
		"VALET_DEBUG":           "true",
		"VALET_PASSWORD":        "hunter2",
		"VALET_AUTH_AUTHORITY":  "https://idp.test/t/v2.0",
		"VALET_AUTH_CLIENT_ID":  fixtures.ClientID,
		"VALET_AUTH_CLOCK_SKEW": "90s",
		"AUTH_AUTHORITY":        "ignored without prefix",
	})).Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowedOrigins)
	assert.True(t, cfg.Debug)
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.InDelta(t, 0.5, cfg.Ratio, 1e-9)
	assert.Equal(t, secret("hunter2"), cfg.Password)
	assert.Equal(t, "https://idp.test/t/v2.0", cfg.Auth.Authority)
	assert.Equal(t, 90*time.Second, cfg.Auth.ClockSkew)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct{ content, ext string }{
		"yaml": {fixtures.ConfigYAML, ".yaml"},
		"json": {fixtures.ConfigJSON, ".json"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := testutil.TempConfigFile(t, tc.content, tc.ext)

			var cfg testConfig
			err := New().WithFile(path).WithEnvPrefix(fixtures.EnvPrefix).WithLookup(testutil.MapLookup(map[string]string{
				"VALET_ADDR": ":7070",
			})).Load(&cfg)
			require.NoError(t, err)

			assert.Equal(t, ":7070", cfg.Addr, "env overrides file")
			assert.Equal(t, []string{"https://app.example.test"}, cfg.AllowedOrigins)
			assert.Equal(t, fixtures.ClientID, cfg.Auth.ClientID)
			assert.Equal(t, 5*time.Minute, cfg.Auth.ClockSkew, "default survives when file is silent")
		})
	}
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	t.Parallel()

	var cfg testConfig
	err := New().WithFile("/nonexistent/valet.yaml").WithLookup(testutil.MapLookup(map[string]string{
		"AUTH_AUTHORITY": "https://idp.test",
		"AUTH_CLIENT_ID": "c",
	})).Load(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://idp.test", cfg.Auth.Authority)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	empty := testutil.MapLookup(nil)

	tests := []struct {
		name string
		run  func(t *testing.T) error
		code sserr.Code
	}{
		{
			name: "not a pointer",
			run:  func(*testing.T) error { return New().Load(testConfig{}) },
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "required field",
			run:  func(*testing.T) error { var c testConfig; return New().WithLookup(empty).Load(&c) },
			code: sserr.CodeValidationRequired,
		},
		{
			name: "bad duration",
			run: func(*testing.T) error {
				var c testConfig
				return New().WithLookup(testutil.MapLookup(map[string]string{"AUTH_CLOCK_SKEW": "soon"})).Load(&c)
			},
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "traversal",
			run:  func(*testing.T) error { var c testConfig; return New().WithFile("../etc/valet.yaml").Load(&c) },
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "unsupported extension",
			run: func(t *testing.T) error {
				var c testConfig
				return New().WithFile(testutil.TempConfigFile(t, "x=1", ".toml")).WithLookup(empty).Load(&c)
			},
			code: sserr.CodeInternalConfiguration,
		},
		{
			name: "custom validation",
			run: func(*testing.T) error {
				var c validatedConfig
				return New().WithLookup(testutil.MapLookup(map[string]string{"PORT": "70000"})).Load(&c)
			},
			code: sserr.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			testutil.AssertErrorCode(t, tt.run(t), tt.code)
		})
	}
}

func TestMustLoad_Panics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		MustLoad[testConfig](New().WithLookup(testutil.MapLookup(nil)))
	})
	cfg := MustLoad[validatedConfig](New().WithLookup(testutil.MapLookup(nil)))
	assert.Equal(t, 80, cfg.Port)
}
