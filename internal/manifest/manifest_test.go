package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/apphost/pkg/hosting"
	"evalgo.org/apphost/pkg/hosting/hostingtest"
	"evalgo.org/apphost/pkg/hosting/influxdb"
	"evalgo.org/apphost/pkg/hosting/ollama"
	"evalgo.org/apphost/pkg/hosting/ravendb"
)

const shopManifest = `
name: shop
parameters:
  - name: influx-admin-token
    secret: true
  - name: region
    value: eu-west
resources:
  - name: metrics
    type: influxdb
    port: 8086
    image_tag: 2.7.10-alpine
    data_volume: true
    influxdb:
      token: influx-admin-token
      organization: shop
  - name: raven
    type: ravendb
    data_volume: true
    ravendb:
      databases:
        - name: orders
        - name: audit
          database: AuditLog
  - name: llm
    type: ollama
    env:
      OLLAMA_KEEP_ALIVE: 10m
    wait_for: [orders]
    references: [metrics]
    ollama:
      gpu: nvidia
      models:
        - model: llama3.2:1b
        - name: embed
          model: nomic-ai/nomic-embed-text-v1.5-GGUF
          huggingface: true
      openwebui:
        port: 3000
`

func newBuilder(rt hosting.Runtime) *hosting.Builder {
	logger, _ := test.NewNullLogger()
	return hosting.NewBuilder(
		hosting.WithName("shop"),
		hosting.WithRuntime(rt),
		hosting.WithLogger(logrus.NewEntry(logger)),
		hosting.WithHealthInterval(20*time.Millisecond),
	)
}

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(shopManifest))
	require.NoError(t, err)

	assert.Equal(t, "shop", m.Name)
	require.Len(t, m.Resources, 3)
	assert.Equal(t, TypeInfluxDB, m.Resources[0].Type)
	assert.Equal(t, 8086, m.Resources[0].Port)
	assert.Equal(t, "influx-admin-token", m.Resources[0].InfluxDB.Token)
	require.NotNil(t, m.Resources[2].Ollama)
	assert.Len(t, m.Resources[2].Ollama.Models, 2)
	assert.Equal(t, 3000, m.Resources[2].Ollama.OpenWebUI.Port)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		document string
		wantErr  string
	}{
		{
			name:     "empty",
			document: "",
			wantErr:  "manifest is empty",
		},
		{
			name:     "unknown field",
			document: "resources:\n  - name: a\n    type: influxdb\n    colour: red\n",
			wantErr:  "field colour not found",
		},
		{
			name:     "no resources",
			document: "name: shop\n",
			wantErr:  "resources",
		},
		{
			name:     "unknown type",
			document: "resources:\n  - name: a\n    type: redis\n",
			wantErr:  "type",
		},
		{
			name:     "invalid name",
			document: "resources:\n  - name: 1bad\n    type: influxdb\n",
			wantErr:  "name",
		},
		{
			name:     "duplicate names",
			document: "resources:\n  - name: a\n    type: influxdb\n  - name: A\n    type: ollama\n",
			wantErr:  `name "A" is already used by resource a`,
		},
		{
			name:     "child name collides",
			document: "resources:\n  - name: orders\n    type: influxdb\n  - name: raven\n    type: ravendb\n    ravendb:\n      databases:\n        - name: orders\n",
			wantErr:  "already used",
		},
		{
			name:     "unknown dependency",
			document: "resources:\n  - name: a\n    type: influxdb\n    wait_for: [b]\n",
			wantErr:  `unknown resource "b"`,
		},
		{
			name:     "unknown token parameter",
			document: "resources:\n  - name: a\n    type: influxdb\n    influxdb:\n      token: missing\n",
			wantErr:  `unknown parameter "missing"`,
		},
		{
			name:     "options for another type",
			document: "resources:\n  - name: a\n    type: influxdb\n    ollama:\n      gpu: nvidia\n",
			wantErr:  "ollama options are not valid for type influxdb",
		},
		{
			name:     "unsupported gpu",
			document: "resources:\n  - name: a\n    type: ollama\n    ollama:\n      gpu: intel\n",
			wantErr:  "gpu",
		},
		{
			name:     "secured without url",
			document: "resources:\n  - name: a\n    type: ravendb\n    ravendb:\n      secured:\n        certificate_path: /certs/server.pfx\n",
			wantErr:  "public_url",
		},
		{
			name:     "port out of range",
			document: "resources:\n  - name: a\n    type: influxdb\n    port: 70000\n",
			wantErr:  "port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.document))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apphost.manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(shopManifest), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Resources, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read manifest")
}

func TestApply(t *testing.T) {
	m, err := Parse(strings.NewReader(shopManifest))
	require.NoError(t, err)

	b := newBuilder(hostingtest.New())
	require.NoError(t, Apply(b, m))

	p, ok := b.Parameter("region")
	require.True(t, ok)
	assert.False(t, p.Secret())

	r, ok := b.Resource("metrics")
	require.True(t, ok)
	influx := r.(*influxdb.ServerResource)
	assert.Equal(t, "influx-admin-token", influx.Token().Name())
	assert.Equal(t, 8086, influx.PrimaryEndpoint().Port())
	assert.Equal(t, "2.7.10-alpine", influx.Image().Tag)
	assert.Equal(t, "shop", influx.StaticEnv()["DOCKER_INFLUXDB_INIT_ORG"])
	assert.Equal(t, "testbucket", influx.StaticEnv()["DOCKER_INFLUXDB_INIT_BUCKET"])
	require.Len(t, influx.Mounts(), 1)
	assert.Equal(t, "shop-metrics-data", influx.Mounts()[0].Source)

	r, ok = b.Resource("audit")
	require.True(t, ok)
	assert.Equal(t, "AuditLog", r.(*ravendb.DatabaseResource).DatabaseName())

	r, ok = b.Resource("llm")
	require.True(t, ok)
	llm := r.(*ollama.Resource)
	assert.Equal(t, []string{"llama3.2:1b", "hf.co/nomic-ai/nomic-embed-text-v1.5-GGUF"}, llm.Models())
	assert.Len(t, llm.DeviceRequests(), 1)
	assert.Equal(t, "10m", llm.StaticEnv()["OLLAMA_KEEP_ALIVE"])
	assert.Equal(t, []string{"orders"}, hosting.Snapshot(llm).WaitFor)

	_, ok = b.Resource("llm-llama3-2-1b")
	assert.True(t, ok)
	_, ok = b.Resource("embed")
	assert.True(t, ok)

	r, ok = b.Resource("llm-openwebui")
	require.True(t, ok)
	assert.Equal(t, 3000, r.(*ollama.OpenWebUIResource).PrimaryEndpoint().Port())

	_, err = b.Build()
	require.NoError(t, err)
}

func TestApply_ReferenceInjectsConnectionString(t *testing.T) {
	doc := `
resources:
  - name: llm
    type: ollama
    references: [metrics]
  - name: metrics
    type: influxdb
`
	m, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	rt := hostingtest.New()
	b := newBuilder(rt)
	require.NoError(t, Apply(b, m))

	app, err := b.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	defer func() { _ = app.Stop(context.Background()) }()

	spec, ok := rt.Spec("llm")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(spec.Env["CONNECTION_STRINGS__METRICS"], "http://localhost:"))
	assert.Contains(t, spec.Env["CONNECTION_STRINGS__METRICS"], "?token=")
}

func TestApply_BuilderErrors(t *testing.T) {
	doc := `
resources:
  - name: a
    type: influxdb
  - name: b
    type: influxdb
`
	m, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	b := newBuilder(hostingtest.New())
	_, err = b.AddParameter("a-token", "taken", true)
	require.NoError(t, err)

	err = Apply(b, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource a")
}

func TestApply_WaitCycleRejectedAtBuild(t *testing.T) {
	doc := `
resources:
  - name: a
    type: influxdb
    wait_for: [b]
  - name: b
    type: influxdb
    wait_for: [a]
`
	m, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	b := newBuilder(hostingtest.New())
	require.NoError(t, Apply(b, m))

	_, err = b.Build()
	var cfgErr *hosting.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
