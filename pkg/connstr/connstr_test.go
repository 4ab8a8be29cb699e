package connstr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		scheme string
		token  string
		want   string
	}{
		{"token query", TokenQuery, "http", "s3cr3t", "http://localhost:49153?token=s3cr3t"},
		{"url", URL, "https", "", "https://localhost:49153"},
		{"key value", KeyValueURL, "http", "", "URL=http://localhost:49153"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.format, tt.scheme, "localhost", 49153, tt.token))
		})
	}
}

func TestRender_IsStable(t *testing.T) {
	a := Render(TokenQuery, "http", "127.0.0.1", 8086, "tok")
	b := Render(TokenQuery, "http", "127.0.0.1", 8086, "tok")
	assert.Equal(t, a, b)
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "http", Scheme(false))
	assert.Equal(t, "https", Scheme(true))
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "CONNECTION_STRINGS__INFLUXDB", EnvName("influxdb"))
	assert.Equal(t, "CONNECTION_STRINGS__MY_DB", EnvName("my-db"))
}

func TestParse(t *testing.T) {
	values, err := Parse("URL=http://localhost:8080;Database=orders")
	require.NoError(t, err)

	url, ok := values.Get("url")
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:8080", url)

	db, ok := values.Get("DATABASE")
	assert.True(t, ok)
	assert.Equal(t, "orders", db)
}

func TestParse_QuotedAndEmptySegments(t *testing.T) {
	values, err := Parse(`Endpoint="http://h:1/?a=b;c";;Model='llama3'`)
	require.NoError(t, err)

	endpoint, _ := values.Get("Endpoint")
	assert.Equal(t, "http://h:1/?a=b;c", endpoint)

	model, _ := values.Get("model")
	assert.Equal(t, "llama3", model)
}

func TestParse_InvalidSegment(t *testing.T) {
	_, err := Parse("URL=http://localhost;garbage")
	assert.Error(t, err)

	_, err = Parse("=value")
	assert.Error(t, err)
}

func TestFormat_String(t *testing.T) {
	assert.Equal(t, "token-query", TokenQuery.String())
	assert.Equal(t, "url", URL.String())
	assert.Equal(t, "key-value-url", KeyValueURL.String())
	assert.Equal(t, "format(9)", Format(9).String())
}
