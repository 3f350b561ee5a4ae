package redis

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-valet/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

func TestSecret_Redacted(t *testing.T) {
	t.Parallel()

	s := Secret("super-secret-password")
	assert.Equal(t, "[REDACTED] [REDACTED]", fmt.Sprintf("%s %#v", s, s))
	assert.Equal(t, "super-secret-password", s.Value())
	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(text))
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
	assert.Equal(t, DefaultKeyPrefix, cfg.KeyPrefix)
	assert.Equal(t, "redis.databases.svc.cluster.local:6379", cfg.addr())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)

	uri := Config{URI: "rediss://:pw@cache.example.test:6380/2", Port: -1}
	require.NoError(t, uri.Validate(), "structured fields are ignored when URI is set")

	tests := []struct {
		name string
		cfg  Config
		code sserr.Code
	}{
		{"bad scheme", Config{URI: "http://localhost"}, sserr.CodeValidationFormat},
		{"unparsable uri", Config{URI: "redis://[::1"}, sserr.CodeValidationFormat},
		{"port range", Config{Port: 70000}, sserr.CodeValidation},
		{"pool smaller than idle", Config{PoolSize: 1, MinIdleConns: 4}, sserr.CodeValidation},
		{"negative timeout", Config{ReadTimeout: -time.Second}, sserr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			testutil.AssertErrorCode(t, cfg.Validate(), tt.code)
		})
	}
}

func TestTruncateStatement(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "GET valet:jwks", truncateStatement("GET valet:jwks"))
	long := strings.Repeat("k", maxStatementTruncateLen+1)
	assert.Equal(t, strings.Repeat("k", maxStatementTruncateLen)+"...", truncateStatement(long))
}
