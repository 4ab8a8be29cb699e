package host

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"evalgo.org/apphost/pkg/health"
)

type clientSettings struct {
	ConnectionString    string `mapstructure:"connection_string"`
	DisableHealthChecks bool   `mapstructure:"disable_health_checks"`
	Timeout             *int   `mapstructure:"timeout"`
}

func layeredConfig() *viper.Viper {
	v := viper.New()
	v.Set("apphost.test.client.connection_string", "http://default:1")
	v.Set("apphost.test.client.timeout", 100)
	v.Set("apphost.test.client.metrics.connection_string", "http://named:2")
	v.Set("apphost.test.client.metrics.disable_health_checks", true)
	return v
}

func TestResolveSettings_Precedence(t *testing.T) {
	v := layeredConfig()
	v.Set("connection_strings.metrics", "http://explicit:3")

	apply := func(s *clientSettings, cs string) error {
		s.ConnectionString = cs
		return nil
	}

	tests := []struct {
		name     string
		layers   []Layer[clientSettings]
		wantConn string
	}{
		{"default section", []Layer[clientSettings]{FromSection[clientSettings](v, "apphost.test.client")}, "http://default:1"},
		{"named section wins", []Layer[clientSettings]{
			FromSection[clientSettings](v, "apphost.test.client"),
			FromSection[clientSettings](v, "apphost.test.client.metrics"),
		}, "http://named:2"},
		{"connection string wins", []Layer[clientSettings]{
			FromSection[clientSettings](v, "apphost.test.client"),
			FromSection[clientSettings](v, "apphost.test.client.metrics"),
			FromConnectionString(v, "metrics", apply),
		}, "http://explicit:3"},
		{"override wins", []Layer[clientSettings]{
			FromSection[clientSettings](v, "apphost.test.client"),
			FromConnectionString(v, "metrics", apply),
			Override(func(s *clientSettings) { s.ConnectionString = "http://override:4" }),
		}, "http://override:4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ResolveSettings(tt.layers...)
			require.NoError(t, err)
			assert.Equal(t, tt.wantConn, s.ConnectionString)
		})
	}
}

func TestResolveSettings_MergesFields(t *testing.T) {
	v := layeredConfig()
	s, err := ResolveSettings(
		FromSection[clientSettings](v, "apphost.test.client"),
		FromSection[clientSettings](v, "apphost.test.client.metrics"),
	)
	require.NoError(t, err)

	assert.True(t, s.DisableHealthChecks)
	require.NotNil(t, s.Timeout)
	assert.Equal(t, 100, *s.Timeout)
}

func TestResolveSettings_MissingPiecesSkipped(t *testing.T) {
	s, err := ResolveSettings(
		Defaults(clientSettings{ConnectionString: "http://fallback:5"}),
		FromSection[clientSettings](viper.New(), "nope"),
		FromSection[clientSettings](nil, "nope"),
		FromConnectionString(viper.New(), "absent", func(*clientSettings, string) error {
			return errors.New("must not be called")
		}),
		Override[clientSettings](nil),
	)
	require.NoError(t, err)
	assert.Equal(t, "http://fallback:5", s.ConnectionString)
}

func TestResolveSettings_LayerError(t *testing.T) {
	_, err := ResolveSettings(func(*clientSettings) error { return errors.New("bad layer") })
	assert.EqualError(t, err, "bad layer")
}

func TestBuilder_ConnectionStringFromEnv(t *testing.T) {
	t.Setenv("CONNECTION_STRINGS__MY_DB", "URL=http://localhost:8080")
	b := NewBuilder()
	assert.Equal(t, "URL=http://localhost:8080", b.ConnectionString("my-db"))
	assert.Empty(t, b.ConnectionString("other"))
}

func TestConfigError(t *testing.T) {
	missing := MissingSetting("ConnectionString", "a connection string is required")
	assert.ErrorIs(t, missing, ErrMissingSetting)
	assert.EqualError(t, missing, "ConnectionString: a connection string is required")

	invalid := InvalidSetting("ConnectionString", "ftp://x", "expected http or https")
	assert.ErrorIs(t, invalid, ErrInvalidSetting)
	assert.Contains(t, invalid.Error(), `"ftp://x"`)

	var ce *ConfigError
	require.True(t, errors.As(error(invalid), &ce))
	assert.Equal(t, "ConnectionString", ce.Field)
}

func TestBuilder_TryAddHealthCheck(t *testing.T) {
	b := NewBuilder()
	reg := health.Registration{
		Name: "InfluxDB.Client",
		Factory: func(context.Context) (health.Check, error) {
			return health.CheckFunc(func(context.Context) error { return nil }), nil
		},
	}
	assert.True(t, b.TryAddHealthCheck(reg))
	assert.False(t, b.TryAddHealthCheck(reg))

	h := b.Build()
	report := h.CheckHealth(context.Background())
	assert.Equal(t, health.Healthy, report.Status)
	assert.NoError(t, h.Close())
}

func TestTracing_Sources(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracing := NewTracing(trace.NewTracerProvider(trace.WithSpanProcessor(recorder)))

	_, span := tracing.Tracer("disabled").Start(context.Background(), "op")
	span.End()
	assert.Empty(t, recorder.Ended())

	tracing.AddSource("InfluxDB.Client.DiagnosticSources")
	_, span = tracing.Tracer("InfluxDB.Client.DiagnosticSources").Start(context.Background(), "op")
	span.End()
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "op", recorder.Ended()[0].Name())
	assert.Equal(t, []string{"InfluxDB.Client.DiagnosticSources"}, tracing.Sources())
}

func TestConnectionString_EnvironmentFallback(t *testing.T) {
	t.Setenv("CONNECTION_STRINGS__ORDERS_DB", "URL=http://localhost:8080;Database=orders")

	assert.Equal(t, "URL=http://localhost:8080;Database=orders", ConnectionString(viper.New(), "orders-db"))
	assert.Equal(t, "URL=http://localhost:8080;Database=orders", ConnectionString(nil, "orders-db"))

	v := viper.New()
	v.Set("connection_strings.orders-db", "URL=http://configured:8080")
	assert.Equal(t, "URL=http://configured:8080", ConnectionString(v, "orders-db"))
	assert.Empty(t, ConnectionString(v, ""))
}
