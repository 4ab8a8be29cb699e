package ravendb

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	ravendb "github.com/ravendb/ravendb-go-client"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/host"
	"evalgo.org/apphost/pkg/services"
)

func newHostBuilder(v *viper.Viper, opts ...host.Option) *host.Builder {
	logger, _ := test.NewNullLogger()
	if v == nil {
		v = viper.New()
	}
	opts = append([]host.Option{host.WithConfig(v), host.WithLogger(logrus.NewEntry(logger))}, opts...)
	return host.NewBuilder(opts...)
}

// fakeStores replaces store creation with uninitialized stores and counts
// how often a store is opened.
func fakeStores(t *testing.T) *atomic.Int32 {
	t.Helper()
	var opened atomic.Int32
	prev := openStore
	openStore = func(s Settings) (*ravendb.DocumentStore, error) {
		opened.Add(1)
		return ravendb.NewDocumentStore(s.Urls, s.DatabaseName), nil
	}
	t.Cleanup(func() { openStore = prev })
	return &opened
}

func fakeProbe(t *testing.T, fn func(context.Context, Settings) error) {
	t.Helper()
	prev := probe
	probe = fn
	t.Cleanup(func() { probe = prev })
}

func TestValidate(t *testing.T) {
	cert := &tls.Certificate{}

	tests := []struct {
		name     string
		settings Settings
		field    string
		sentinel error
	}{
		{"no urls", Settings{}, "Urls", host.ErrMissingSetting},
		{"create without database", Settings{Urls: []string{"http://localhost:8080"}, CreateDatabase: true}, "DatabaseName", host.ErrMissingSetting},
		{"invalid url", Settings{Urls: []string{"tcp://localhost:38888"}}, "Urls", host.ErrInvalidSetting},
		{"relative url", Settings{Urls: []string{"localhost:8080"}}, "Urls", host.ErrInvalidSetting},
		{"https without certificate", Settings{Urls: []string{"https://a.ravendb.local"}}, "Certificate", host.ErrMissingSetting},
		{"https with certificate", Settings{Urls: []string{"https://a.ravendb.local"}, Certificate: cert}, "", nil},
		{"https with certificate path", Settings{Urls: []string{"https://a.ravendb.local"}, CertificatePath: "client.pfx"}, "", nil},
		{"valid", Settings{Urls: []string{"http://localhost:8080"}, DatabaseName: "orders", CreateDatabase: true}, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			if tt.sentinel == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			var ce *host.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestResolveSettings_Layers(t *testing.T) {
	v := viper.New()
	v.Set("apphost.ravendb.client.create_database", true)
	v.Set("apphost.ravendb.client.database_name", "fallback")
	v.Set("apphost.ravendb.client.orders.health_check_timeout", 250)
	v.Set("connection_strings.orders", "URL=http://localhost:8080;Database=orders")

	settings, err := ResolveSettings(v, "orders", func(s *Settings) {
		s.DisableTracing = true
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:8080"}, settings.Urls)
	assert.Equal(t, "orders", settings.DatabaseName)
	assert.True(t, settings.CreateDatabase)
	assert.True(t, settings.DisableTracing)
	assert.Equal(t, 250*time.Millisecond, settings.healthCheckTimeout())
}

func TestResolveSettings_ConnectionStringWithoutDatabase(t *testing.T) {
	v := viper.New()
	v.Set("apphost.ravendb.client.database_name", "fallback")
	v.Set("connection_strings.raven", "URL=http://localhost:8080")

	settings, err := ResolveSettings(v, "raven", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", settings.DatabaseName)
}

func TestApplyConnectionString_Invalid(t *testing.T) {
	var s Settings
	err := ApplyConnectionString(&s, "URL=http://localhost;garbage")
	assert.ErrorIs(t, err, host.ErrInvalidSetting)
}

func TestAddClient_MissingUrls(t *testing.T) {
	fakeStores(t)
	b := newHostBuilder(nil)

	err := AddClient(b, "raven", nil)
	assert.ErrorIs(t, err, host.ErrMissingSetting)
	assert.False(t, services.Has[*ravendb.DocumentStore](b.Services))
	_, ok := b.Health.Get(HealthCheckName)
	assert.False(t, ok)
}

func TestAddClient_HTTPSRequiresCertificate(t *testing.T) {
	fakeStores(t)
	b := newHostBuilder(nil)

	err := AddClientWithSettings(b, Settings{Urls: []string{"https://a.ravendb.local"}})
	var ce *host.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Certificate", ce.Field)
}

func TestAddClient_SingletonStoreAndTransientSessions(t *testing.T) {
	opened := fakeStores(t)
	v := viper.New()
	v.Set("connection_strings.raven", "URL=http://localhost:8080;Database=orders")
	b := newHostBuilder(v)

	require.NoError(t, AddClient(b, "raven", nil))
	assert.Equal(t, int32(0), opened.Load())

	first, err := services.Resolve[*ravendb.DocumentStore](b.Services)
	require.NoError(t, err)
	second, err := services.Resolve[*ravendb.DocumentStore](b.Services)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), opened.Load())

	assert.True(t, services.Has[*ravendb.DocumentSession](b.Services))
	assert.Contains(t, b.Tracing.Sources(), TraceSource)
}

func TestAddClient_NoDatabaseNoSessions(t *testing.T) {
	fakeStores(t)
	b := newHostBuilder(nil)

	require.NoError(t, AddClientWithSettings(b, Settings{Urls: []string{"http://localhost:8080"}, DisableTracing: true}))
	assert.True(t, services.Has[*ravendb.DocumentStore](b.Services))
	assert.False(t, services.Has[*ravendb.DocumentSession](b.Services))
	assert.NotContains(t, b.Tracing.Sources(), TraceSource)
}

func TestAddKeyedClient_DistinctStores(t *testing.T) {
	fakeStores(t)
	b := newHostBuilder(nil)

	require.NoError(t, AddKeyedClientWithSettings(b, "a", Settings{Urls: []string{"http://a:8080"}, DatabaseName: "one"}))
	require.NoError(t, AddKeyedClientWithSettings(b, "b", Settings{Urls: []string{"http://b:8080"}, DatabaseName: "two"}))

	a, err := services.ResolveKeyed[*ravendb.DocumentStore](b.Services, "a")
	require.NoError(t, err)
	bb, err := services.ResolveKeyed[*ravendb.DocumentStore](b.Services, "b")
	require.NoError(t, err)
	assert.NotSame(t, a, bb)

	assert.False(t, services.Has[*ravendb.DocumentStore](b.Services))
	assert.True(t, services.HasKeyed[*ravendb.DocumentSession](b.Services, "a"))

	_, ok := b.Health.Get("RavenDB.Client_a")
	assert.True(t, ok)
	_, ok = b.Health.Get("RavenDB.Client_b")
	assert.True(t, ok)
}

func TestAddKeyedClient_NilKey(t *testing.T) {
	b := newHostBuilder(nil)
	assert.Error(t, AddKeyedClient(b, nil, "raven", nil))
	assert.Error(t, AddKeyedClientWithSettings(b, nil, Settings{Urls: []string{"http://localhost:8080"}}))
}

func TestAddClient_StoreErrorIsReturned(t *testing.T) {
	prev := openStore
	openStore = func(Settings) (*ravendb.DocumentStore, error) { return nil, errors.New("connection refused") }
	t.Cleanup(func() { openStore = prev })

	b := newHostBuilder(nil)
	require.NoError(t, AddClientWithSettings(b, Settings{Urls: []string{"http://localhost:8080"}, DatabaseName: "orders"}))

	_, err := services.Resolve[*ravendb.DocumentStore](b.Services)
	assert.ErrorContains(t, err, "connection refused")
	_, err = services.Resolve[*ravendb.DocumentSession](b.Services)
	assert.ErrorContains(t, err, "connection refused")
}

func TestHealthCheck(t *testing.T) {
	fakeStores(t)
	var got Settings
	fakeProbe(t, func(_ context.Context, s Settings) error {
		got = s
		return nil
	})

	recorder := tracetest.NewSpanRecorder()
	tracing := host.NewTracing(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	b := newHostBuilder(nil, host.WithTracing(tracing))

	timeout := 500
	require.NoError(t, AddClientWithSettings(b, Settings{
		Urls:               []string{"http://localhost:8080"},
		DatabaseName:       "orders",
		HealthCheckTimeout: &timeout,
	}))

	reg, ok := b.Health.Get(HealthCheckName)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, reg.Timeout)

	report := b.Build().CheckHealth(context.Background())
	assert.Equal(t, health.Healthy, report.Status)
	assert.Equal(t, "orders", got.DatabaseName)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "ravendb health check")
}

func TestHealthCheck_Failure(t *testing.T) {
	fakeStores(t)
	fakeProbe(t, func(context.Context, Settings) error { return errors.New("RavenDB database orders does not exist") })
	b := newHostBuilder(nil)

	require.NoError(t, AddClientWithSettings(b, Settings{Urls: []string{"http://localhost:8080"}, DatabaseName: "orders"}))

	report := b.Build().CheckHealth(context.Background())
	assert.Equal(t, health.Unhealthy, report.Status)
	assert.Equal(t, "RavenDB database orders does not exist", report.Entries[HealthCheckName].Error)
}

func TestHealthCheck_Disabled(t *testing.T) {
	fakeStores(t)
	b := newHostBuilder(nil)

	require.NoError(t, AddClientWithSettings(b, Settings{Urls: []string{"http://localhost:8080"}, DisableHealthChecks: true}))
	_, ok := b.Health.Get(HealthCheckName)
	assert.False(t, ok)
}

func TestHealthCheck_KeepsFirstRegistration(t *testing.T) {
	fakeStores(t)
	b := newHostBuilder(nil)

	require.NoError(t, AddClientWithSettings(b, Settings{Urls: []string{"http://first:8080"}}))
	require.NoError(t, AddClientWithSettings(b, Settings{Urls: []string{"http://second:8080"}, HealthCheckTimeout: ptr(100)}))

	reg, ok := b.Health.Get(HealthCheckName)
	require.True(t, ok)
	assert.Zero(t, reg.Timeout)
}

func ptr[T any](v T) *T { return &v }

func writeSelfSignedPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "apphost-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "client.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})...)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadCertificate(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		cert, err := Settings{}.LoadCertificate()
		assert.NoError(t, err)
		assert.Nil(t, cert)
	})

	t.Run("explicit wins", func(t *testing.T) {
		explicit := &tls.Certificate{}
		cert, err := Settings{Certificate: explicit, CertificatePath: "missing.pem"}.LoadCertificate()
		require.NoError(t, err)
		assert.Same(t, explicit, cert)
	})

	t.Run("pem", func(t *testing.T) {
		cert, err := Settings{CertificatePath: writeSelfSignedPEM(t)}.LoadCertificate()
		require.NoError(t, err)
		require.NotNil(t, cert)
		assert.Len(t, cert.Certificate, 1)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Settings{CertificatePath: filepath.Join(t.TempDir(), "none.pfx")}.LoadCertificate()
		assert.ErrorContains(t, err, "failed to read certificate")
	})

	t.Run("invalid pfx", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "client.pfx")
		require.NoError(t, os.WriteFile(path, []byte("not a pfx"), 0o600))
		_, err := Settings{CertificatePath: path, CertificatePassword: "pw"}.LoadCertificate()
		assert.ErrorContains(t, err, "failed to decode PFX certificate")
	})
}

func TestProbe_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := Probe(ctx, Settings{Urls: []string{"http://127.0.0.1:1"}})
	assert.Error(t, err)
}
