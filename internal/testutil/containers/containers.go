//go:build integration

// Package containers starts the backing services of the valet service in
// Docker for integration tests. Every helper registers container
// termination with t.Cleanup, so callers only need the returned endpoint.
//
// The package carries the "integration" build tag so that unit test builds
// never pull in the Docker client:
//
//	//go:build integration
package containers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Images used by the helpers. The Redis image is the Alpine variant for
// fast startup.
const (
	RedisImage = "docker.io/redis:7-alpine"
	MinIOImage = "docker.io/minio/minio:latest"
)

// MinIO root credentials. They only ever protect ephemeral containers.
const (
	MinIOAccessKey = "minioadmin"
	MinIOSecretKey = "minioadmin"
)

// Redis is a running Redis container.
type Redis struct {
	Container *tcredis.RedisContainer

	// URL is a redis:// connection URL for the default database.
	URL string
}

// StartRedis starts a Redis container and terminates it when t ends.
func StartRedis(ctx context.Context, t testing.TB) *Redis {
	t.Helper()
	container, err := tcredis.Run(ctx, RedisImage)
	require.NoError(t, err, "containers: failed to start redis")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err, "containers: failed to get redis connection string")
	return &Redis{Container: container, URL: url}
}

// MinIO is a running MinIO container. Endpoint is "host:port" without a
// scheme; the server speaks plain HTTP.
type MinIO struct {
	Container *tcminio.MinioContainer
	Endpoint  string
	AccessKey string
	SecretKey string
}

// StartMinIO starts a MinIO container with the root credentials above and
// terminates it when t ends. The root user may call STS AssumeRole, so the
// container also serves delegation-key tests.
func StartMinIO(ctx context.Context, t testing.TB) *MinIO {
	t.Helper()
	container, err := tcminio.Run(ctx,
		MinIOImage,
		tcminio.WithUsername(MinIOAccessKey),
		tcminio.WithPassword(MinIOSecretKey),
	)
	require.NoError(t, err, "containers: failed to start minio")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err, "containers: failed to get minio endpoint")
	return &MinIO{
		Container: container,
		Endpoint:  endpoint,
		AccessKey: MinIOAccessKey,
		SecretKey: MinIOSecretKey,
	}
}
