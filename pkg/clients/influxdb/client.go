// Package influxdb registers InfluxDB clients with a host.
//
// Settings are layered from configuration (see ResolveSettings), validated,
// and the client is registered as transient: every resolution returns a new
// influxdb2.Client that the caller closes.
package influxdb

import (
	"context"
	"fmt"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/host"
	"evalgo.org/apphost/pkg/services"
)

const (
	// TraceSource is the trace source enabled unless tracing is disabled.
	TraceSource = "InfluxDB.Client.DiagnosticSources"

	// HealthCheckName is the health check of the unkeyed client.
	HealthCheckName = "InfluxDB.Client"

	// DefaultRequestTimeout matches the influxdb2 client default.
	DefaultRequestTimeout = 20 * time.Second
)

// AddClient registers an influxdb2.Client configured for connectionName.
func AddClient(b *host.Builder, connectionName string, configure func(*Settings)) error {
	settings, err := ResolveSettings(b.Config, connectionName, configure)
	if err != nil {
		return err
	}
	return add(b, nil, settings)
}

// AddKeyedClient registers an influxdb2.Client under key.
func AddKeyedClient(b *host.Builder, key any, connectionName string, configure func(*Settings)) error {
	if key == nil {
		return fmt.Errorf("service key is required")
	}
	settings, err := ResolveSettings(b.Config, connectionName, configure)
	if err != nil {
		return err
	}
	return add(b, key, settings)
}

// AddClientWithSettings registers a client from explicit settings.
func AddClientWithSettings(b *host.Builder, settings Settings) error {
	return add(b, nil, settings)
}

// AddKeyedClientWithSettings registers a client from explicit settings under key.
func AddKeyedClientWithSettings(b *host.Builder, key any, settings Settings) error {
	if key == nil {
		return fmt.Errorf("service key is required")
	}
	return add(b, key, settings)
}

// HealthCheckNameFor returns the health check name for a registration key.
func HealthCheckNameFor(key any) string {
	if key == nil {
		return HealthCheckName
	}
	return fmt.Sprintf("%s_%v", HealthCheckName, key)
}

func add(b *host.Builder, key any, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	info, err := ParseConnectionString(settings.ConnectionString)
	if err != nil {
		return host.InvalidSetting("ConnectionString", settings.ConnectionString, err.Error())
	}

	var httpClient *http.Client
	if !settings.DisableTracing {
		b.Tracing.AddSource(TraceSource)
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(b.Tracing.Provider()),
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "influxdb " + r.Method + " " + r.URL.Path
				}),
			),
		}
	}

	factory := func(*services.Container) (influxdb2.Client, error) {
		return NewClient(info, httpClient), nil
	}
	if key == nil {
		services.Add(b.Services, services.Transient, factory)
	} else if err := services.AddKeyed(b.Services, key, services.Transient, factory); err != nil {
		return err
	}

	log := b.Logger.WithField("connection", info.URL)
	if key != nil {
		log = log.WithField("key", key)
	}

	if !settings.DisableHealthChecks {
		b.TryAddHealthCheck(health.Registration{
			Name: HealthCheckNameFor(key),
			Factory: func(context.Context) (health.Check, error) {
				return health.CheckFunc(func(ctx context.Context) error {
					return ping(ctx, NewClient(info, httpClient))
				}), nil
			},
			Timeout: settings.healthCheckTimeout(),
			Tags:    []string{"influxdb"},
		})
	}

	log.Debug("InfluxDB client registered")
	return nil
}

// NewClient builds a client for info. A non-nil httpClient replaces the
// default transport; the library then ignores its own HTTP options, so the
// request timeout is set on a copy of httpClient instead.
func NewClient(info ConnectionInfo, httpClient *http.Client) influxdb2.Client {
	opts := influxdb2.DefaultOptions()
	if httpClient != nil {
		c := *httpClient
		if c.Timeout == 0 {
			c.Timeout = requestTimeout(info)
		}
		opts.SetHTTPClient(&c)
	} else if info.Timeout > 0 {
		secs := uint(info.Timeout.Seconds())
		if secs == 0 {
			secs = 1
		}
		opts.SetHTTPRequestTimeout(secs)
	}
	return influxdb2.NewClientWithOptions(info.URL, info.Token, opts)
}

func requestTimeout(info ConnectionInfo) time.Duration {
	if info.Timeout > 0 {
		return info.Timeout
	}
	return DefaultRequestTimeout
}

// Ping checks that the server at info answers.
func Ping(ctx context.Context, info ConnectionInfo) error {
	return ping(ctx, NewClient(info, nil))
}

func ping(ctx context.Context, client influxdb2.Client) error {
	defer client.Close()

	ok, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb ping failed")
	}
	return nil
}
