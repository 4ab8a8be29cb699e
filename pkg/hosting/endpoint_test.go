package hosting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/apphost/pkg/connstr"
)

func TestEndpoint_ResolveOnce(t *testing.T) {
	ep := newEndpoint("influxdb", "http", "http", 8086, 0)

	_, ok := ep.Allocated()
	assert.False(t, ok)

	require.NoError(t, ep.Resolve(Allocation{Host: "localhost", Port: 49152}))
	err := ep.Resolve(Allocation{Host: "localhost", Port: 1})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	a, ok := ep.Allocated()
	require.True(t, ok)
	assert.Equal(t, 49152, a.Port)

	url, err := ep.URL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:49152", url)
}

func TestEndpoint_InvalidAllocationFails(t *testing.T) {
	ep := newEndpoint("influxdb", "http", "http", 8086, 0)

	err := ep.Resolve(Allocation{Host: "", Port: 8086})
	require.Error(t, err)

	_, werr := ep.Wait(context.Background())
	assert.Error(t, werr)
}

func TestEndpoint_Fail(t *testing.T) {
	ep := newEndpoint("db", "tcp", "tcp", 38888, 0)
	cause := errors.New("no port")

	require.NoError(t, ep.Fail(cause))
	_, err := ep.Wait(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "tcp", ep.Transport())
}

func TestEndpoint_WaitHonoursContext(t *testing.T) {
	ep := newEndpoint("influxdb", "http", "http", 8086, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ep.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpoint_Properties(t *testing.T) {
	ep := newEndpoint("influxdb", "http", "http", 8086, 0)
	require.NoError(t, ep.Resolve(Allocation{Host: "127.0.0.1", Port: 5000}))
	ctx := context.Background()

	host, err := ep.Property(PropertyHost).Value(ctx)
	require.NoError(t, err)
	port, err := ep.Property(PropertyPort).Value(ctx)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, "5000", port)
}

func TestConnectionStringExpression(t *testing.T) {
	ctx := context.Background()
	token := &Parameter{name: "influxdb-token", value: "secret", secret: true}

	tests := []struct {
		name       string
		format     connstr.Format
		scheme     string
		want       string
		expression string
	}{
		{"token query", connstr.TokenQuery, "http", "http://localhost:49152?token=secret", "{influxdb.bindings.http.url}?token={influxdb-token.value}"},
		{"url", connstr.URL, "http", "http://localhost:49152", "{influxdb.bindings.http.url}"},
		{"key value", connstr.KeyValueURL, "https", "URL=https://localhost:49152", "URL={influxdb.bindings.http.url}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := newEndpoint("influxdb", "http", tt.scheme, 8086, 0)
			require.NoError(t, ep.Resolve(Allocation{Host: "localhost", Port: 49152}))

			expr := NewConnectionStringExpression(tt.format, ep, token)
			got, err := expr.Value(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.expression, expr.ValueExpression())
		})
	}
}

func TestReferenceExpression_Recomputed(t *testing.T) {
	calls := 0
	expr := NewReferenceExpression(Literal("n="), ValueFunc(func(context.Context) (string, error) {
		calls++
		return string(rune('0' + calls)), nil
	}))

	first, err := expr.Value(context.Background())
	require.NoError(t, err)
	second, err := expr.Value(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "n=1", first)
	assert.Equal(t, "n=2", second)
	assert.Equal(t, "n={?}", expr.String())
}

func TestConnectionStringExpression_WaitsForEndpoint(t *testing.T) {
	ep := newEndpoint("influxdb", "http", "http", 8086, 0)
	expr := NewConnectionStringExpression(connstr.URL, ep, nil)

	done := make(chan string, 1)
	go func() {
		v, _ := expr.Value(context.Background())
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("expression evaluated before the endpoint was allocated")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, ep.Resolve(Allocation{Host: "localhost", Port: 6000}))
	assert.Equal(t, "http://localhost:6000", <-done)
}
