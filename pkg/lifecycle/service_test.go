package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/stricklysoft-valet/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

func mustBuild(t *testing.T, b *Builder) *Service {
	t.Helper()
	svc, err := b.Build()
	require.NoError(t, err)
	return svc
}

func TestBuilder_Build(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewBuilder("valetd", "1.0.0"))
	assert.Equal(t, "valetd", svc.Name())
	assert.Equal(t, "1.0.0", svc.Version())
	assert.Equal(t, StateUnknown, svc.State())
	assert.NotNil(t, svc.logger)

	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		b    *Builder
	}{
		{"empty name", NewBuilder("", "1.0.0")},
		{"empty version", NewBuilder("valetd", "")},
		{"unnamed hook", NewBuilder("valetd", "1.0.0").WithStartHook("", noop)},
		{"nil stop hook", NewBuilder("valetd", "1.0.0").WithStopHook("close", nil)},
		{"nil check", NewBuilder("valetd", "1.0.0").WithCheck("minio", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.b.Build()
			testutil.AssertErrorCode(t, err, sserr.CodeValidation)
		})
	}
}

func TestService_StartStop(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Hook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	var transitions []State
	svc := mustBuild(t, NewBuilder("valetd", "1.0.0").
		WithStartHook("key-cache", record("start:key-cache")).
		WithStartHook("bucket", record("start:bucket")).
		WithStopHook("minio", record("stop:minio")).
		WithStopHook("redis", record("stop:redis")).
		OnStateChange(func(_, next State) { transitions = append(transitions, next) }))

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
	assert.NotNil(t, svc.Info().StartedAt)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, StateStopped, svc.State())
	assert.Nil(t, svc.Info().StartedAt)

	assert.Equal(t, []string{"start:key-cache", "start:bucket", "stop:redis", "stop:minio"}, order)
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, transitions)

	// Stopped services restart.
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
}

func TestService_Start_HookFails(t *testing.T) {
	t.Parallel()

	var ranAfter atomic.Bool
	svc := mustBuild(t, NewBuilder("valetd", "1.0.0").
		WithStartHook("bucket", func(context.Context) error { return errors.New("access denied") }).
		WithStartHook("later", func(context.Context) error { ranAfter.Store(true); return nil }))

	err := svc.Start(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeInternal)
	ssErr, _ := sserr.AsError(err)
	assert.Equal(t, "bucket", ssErr.Details["hook"])
	assert.ErrorContains(t, err, "access denied")

	assert.False(t, ranAfter.Load())
	assert.Equal(t, StateFailed, svc.State())
	assert.Contains(t, svc.Info().LastError, "access denied")
	testutil.AssertErrorCode(t, svc.Health(context.Background()), sserr.CodeUnavailable)
}

func TestService_Start_Conflicts(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewBuilder("valetd", "1.0.0"))
	require.NoError(t, svc.Start(context.Background()))
	testutil.AssertErrorCode(t, svc.Start(context.Background()), sserr.CodeConflict)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fresh := mustBuild(t, NewBuilder("valetd", "1.0.0"))
	testutil.AssertErrorCode(t, fresh.Start(ctx), sserr.CodeTimeout)
	assert.Equal(t, StateUnknown, fresh.State())
}

func TestService_Stop_RunsEveryHook(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	svc := mustBuild(t, NewBuilder("valetd", "1.0.0").
		WithStopHook("first", func(context.Context) error { calls.Add(1); return nil }).
		WithStopHook("second", func(context.Context) error { calls.Add(1); return errors.New("flush failed") }))

	require.NoError(t, svc.Start(context.Background()))
	err := svc.Stop(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeInternal)
	assert.ErrorContains(t, err, "flush failed")
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StateFailed, svc.State())

	// Terminal and never-started services stop without error.
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, mustBuild(t, NewBuilder("valetd", "1.0.0")).Stop(context.Background()))
}

func TestService_SetState_Invalid(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewBuilder("valetd", "1.0.0").
		OnStateChange(func(State, State) { panic("observer bug") }))

	testutil.AssertErrorCode(t, svc.SetState(StateRunning), sserr.CodeConflict)
	assert.Equal(t, StateUnknown, svc.State())

	require.NoError(t, svc.SetState(StateStarting), "a panicking handler does not block the transition")
	assert.Equal(t, StateStarting, svc.State())
}

func TestService_Fail(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewBuilder("valetd", "1.0.0"))
	require.NoError(t, svc.Start(context.Background()))

	svc.Fail(context.Background(), errors.New("listener closed"))
	assert.Equal(t, StateFailed, svc.State())
	assert.Equal(t, "listener closed", svc.Info().LastError)

	svc.Fail(context.Background(), errors.New("second"))
	assert.Equal(t, "listener closed", svc.Info().LastError, "terminal services ignore later failures")

	require.NoError(t, svc.Start(context.Background()))
	assert.Empty(t, svc.Info().LastError)
}

func TestService_Ready(t *testing.T) {
	t.Parallel()

	var minioDown atomic.Bool
	svc := mustBuild(t, NewBuilder("valetd", "1.0.0").
		WithCheck("minio", func(context.Context) error {
			if minioDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		}).
		WithCheck("redis", func(context.Context) error { return nil }))

	testutil.AssertErrorCode(t, svc.Ready(context.Background()), sserr.CodeUnavailable, "not started")
	require.NoError(t, svc.Health(context.Background()), "live before start")

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Ready(context.Background()))

	minioDown.Store(true)
	err := svc.Ready(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailable)
	ssErr, _ := sserr.AsError(err)
	assert.Equal(t, "minio", ssErr.Details["check"])
	require.NoError(t, svc.Health(context.Background()), "a failing dependency does not fail liveness")

	require.NoError(t, svc.Stop(context.Background()))
	testutil.AssertErrorCode(t, svc.Ready(context.Background()), sserr.CodeUnavailable)
}

func TestService_Info_Uptime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := mustBuild(t, NewBuilder("valetd", "1.0.0").WithClock(clock))
	require.NoError(t, svc.Start(context.Background()))

	now = now.Add(90 * time.Second)
	info := svc.Info()
	assert.Equal(t, StateRunning, info.State)
	assert.Equal(t, 90*time.Second, info.Uptime)
}

func TestService_ConcurrentStart(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewBuilder("valetd", "1.0.0").
		WithStartHook("slow", func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		}))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Start(context.Background()) == nil {
				successes.Add(1)
			}
			_ = svc.Info()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, StateRunning, svc.State())
}

func TestService_Start_CreatesSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	svc := mustBuild(t, NewBuilder("valetd", "1.0.0"))
	require.NoError(t, svc.Start(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "lifecycle.Start", spans[0].Name)
}
