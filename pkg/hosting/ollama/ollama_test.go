package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/apphost/models"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/hosting"
	"evalgo.org/apphost/pkg/hosting/hostingtest"
)

func newBuilder(rt hosting.Runtime) *hosting.Builder {
	logger, _ := test.NewNullLogger()
	return hosting.NewBuilder(
		hosting.WithName("app"),
		hosting.WithRuntime(rt),
		hosting.WithLogger(logrus.NewEntry(logger)),
		hosting.WithHealthInterval(20*time.Millisecond),
	)
}

// fakeServer implements the parts of the Ollama API the integration uses.
type fakeServer struct {
	mu     sync.Mutex
	models []string
	pulls  []string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && r.URL.Path == "/api/pull":
		var req api.PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(api.ProgressResponse{Status: "pulling manifest"})
		_ = enc.Encode(api.ProgressResponse{Status: "downloading", Total: 100, Completed: 100})
		_ = enc.Encode(api.ProgressResponse{Status: "success"})
		f.mu.Lock()
		f.pulls = append(f.pulls, req.Model)
		f.models = append(f.models, req.Model+":latest")
		f.mu.Unlock()
	case r.Method == http.MethodGet && r.URL.Path == "/api/tags":
		f.mu.Lock()
		resp := api.ListResponse{}
		for _, m := range f.models {
			resp.Models = append(resp.Models, api.ListModelResponse{Name: m, Model: m})
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(resp)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulls...)
}

func serve(t *testing.T, h http.Handler) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestAdd_Defaults(t *testing.T) {
	b := newBuilder(hostingtest.New())
	rb, err := Add(b, "ollama")
	require.NoError(t, err)

	r := rb.Resource()
	assert.Equal(t, "docker.io/ollama/ollama:0.5.7", r.Image().String())
	assert.Equal(t, TargetPort, r.PrimaryEndpoint().TargetPort())
	assert.Equal(t, 0, r.PrimaryEndpoint().Port())
	assert.Equal(t, "{ollama.bindings.http.url}", r.ConnectionStringExpression().ValueExpression())
	assert.Equal(t, []string{"ollama_check"}, r.HealthChecks())
	assert.Empty(t, r.Models())
}

func TestAdd_Port(t *testing.T) {
	b := newBuilder(hostingtest.New())
	rb, err := Add(b, "ollama", WithPort(11500))
	require.NoError(t, err)
	assert.Equal(t, 11500, rb.Resource().PrimaryEndpoint().Port())
}

func TestAddModel(t *testing.T) {
	b := newBuilder(hostingtest.New())
	rb, err := Add(b, "ollama")
	require.NoError(t, err)

	mb, err := AddModel(rb, "chat", "llama3")
	require.NoError(t, err)

	m := mb.Resource()
	assert.Equal(t, "chat", m.Name())
	assert.Equal(t, "llama3", m.ModelName())
	assert.Same(t, rb.Resource(), m.Server())
	assert.Equal(t, rb.Resource(), m.Parent())
	assert.Equal(t, []string{"chat_check"}, m.HealthChecks())
	assert.Equal(t, "Endpoint={ollama.bindings.http.url};Model=llama3", m.ConnectionStringExpression().ValueExpression())
	assert.Equal(t, []string{"llama3"}, rb.Resource().Models())
	assert.Equal(t, []hosting.Resource{m}, b.Children(rb.Resource()))

	_, err = AddModel(rb, "", "")
	assert.Error(t, err)
}

func TestAddModel_DerivedName(t *testing.T) {
	b := newBuilder(hostingtest.New())
	rb, err := Add(b, "ollama")
	require.NoError(t, err)

	mb, err := AddModel(rb, "", "llama3.2:1b")
	require.NoError(t, err)
	assert.Equal(t, "ollama-llama3-2-1b", mb.Resource().Name())
}

func TestAddHuggingFaceModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"bartowski/Llama-3.2-1B-Instruct-GGUF", "hf.co/bartowski/Llama-3.2-1B-Instruct-GGUF"},
		{"hf.co/bartowski/Llama-3.2-1B-Instruct-GGUF", "hf.co/bartowski/Llama-3.2-1B-Instruct-GGUF"},
		{"huggingface.co/bartowski/Llama-3.2-1B-Instruct-GGUF", "huggingface.co/bartowski/Llama-3.2-1B-Instruct-GGUF"},
	}

	for i, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			b := newBuilder(hostingtest.New())
			rb, err := Add(b, "ollama")
			require.NoError(t, err)

			mb, err := AddHuggingFaceModel(rb, "model"+strconv.Itoa(i), tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mb.Resource().ModelName())
		})
	}
}

func TestCanonicalModel(t *testing.T) {
	assert.Equal(t, "llama3:latest", canonicalModel("Llama3"))
	assert.Equal(t, "llama3:8b", canonicalModel("llama3:8b"))
	assert.Equal(t, "hf.co/org/model:latest", canonicalModel("hf.co/org/model"))
	assert.Equal(t, "hf.co/org/model:q4_k_m", canonicalModel("hf.co/org/model:Q4_K_M"))
}

func TestWithGPUSupport(t *testing.T) {
	t.Run("nvidia", func(t *testing.T) {
		b := newBuilder(hostingtest.New())
		rb, err := Add(b, "ollama")
		require.NoError(t, err)

		WithGPUSupport(rb, Nvidia)
		assert.Equal(t, []hosting.DeviceRequest{{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}}}, rb.Resource().DeviceRequests())
		assert.Equal(t, Tag, rb.Resource().Image().Tag)
	})

	t.Run("amd", func(t *testing.T) {
		b := newBuilder(hostingtest.New())
		rb, err := Add(b, "ollama")
		require.NoError(t, err)

		WithGPUSupport(rb, AMD)
		assert.Equal(t, "rocm", rb.Resource().Image().Tag)
		assert.Equal(t, []string{"/dev/kfd", "/dev/dri"}, rb.Resource().Devices())
		assert.Empty(t, rb.Resource().DeviceRequests())
	})

	t.Run("unknown", func(t *testing.T) {
		b := newBuilder(hostingtest.New())
		rb, err := Add(b, "ollama")
		require.NoError(t, err)

		WithGPUSupport(rb, GPUVendor(7))
		_, err = b.Build()
		assert.ErrorContains(t, err, "unsupported GPU vendor GPUVendor(7)")
	})
}

func TestWithDataVolume(t *testing.T) {
	b := newBuilder(hostingtest.New())
	rb, err := Add(b, "ollama")
	require.NoError(t, err)

	WithDataVolume(rb, "", false)
	assert.Equal(t, []hosting.Mount{{Type: hosting.MountVolume, Source: "app-ollama-ollama", Target: DataPath}}, rb.Resource().Mounts())
}

func TestWithOpenWebUI(t *testing.T) {
	b := newBuilder(hostingtest.New())
	first, err := Add(b, "ollama")
	require.NoError(t, err)
	second, err := Add(b, "ollama2")
	require.NoError(t, err)

	var configured *OpenWebUIResource
	WithOpenWebUI(first, func(ui *hosting.ResourceBuilder[*OpenWebUIResource]) {
		configured = ui.Resource()
		WithHostPort(ui, 3000)
		WithOpenWebUIDataVolume(ui, "", false)
	}, "")
	WithOpenWebUI(second, nil, "ignored")
	WithOpenWebUI(second, nil, "")

	res, ok := b.Resource("ollama-openwebui")
	require.True(t, ok)
	ui := res.(*OpenWebUIResource)
	assert.Same(t, configured, ui)
	_, ok = b.Resource("ignored")
	assert.False(t, ok)

	assert.Equal(t, "ghcr.io/open-webui/open-webui:main", ui.Image().String())
	assert.Equal(t, OpenWebUITargetPort, ui.PrimaryEndpoint().TargetPort())
	assert.Equal(t, 3000, ui.PrimaryEndpoint().Port())
	assert.Equal(t, []*Resource{first.Resource(), second.Resource()}, ui.OllamaResources())
	assert.Equal(t, []hosting.Mount{{Type: hosting.MountVolume, Source: "app-ollama-openwebui-data", Target: OpenWebUIDataPath}}, ui.Mounts())

	env, err := ui.ResolveEnv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://ollama:11434;http://ollama2:11434", env["OLLAMA_BASE_URLS"])
	assert.Equal(t, "false", env["ENABLE_SIGNUP"])
	assert.Equal(t, "false", env["ENABLE_COMMUNITY_SHARING"])
	assert.Equal(t, "false", env["WEBUI_AUTH"])
}

func TestWithHostPort_Invalid(t *testing.T) {
	b := newBuilder(hostingtest.New())
	rb, err := Add(b, "ollama")
	require.NoError(t, err)

	WithOpenWebUI(rb, func(ui *hosting.ResourceBuilder[*OpenWebUIResource]) {
		WithHostPort(ui, 70000)
	}, "")
	_, err = b.Build()
	var cfgErr *hosting.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestModelCheck_BeforeConnectionStringAvailable(t *testing.T) {
	b := newBuilder(hostingtest.New())
	rb, err := Add(b, "ollama")
	require.NoError(t, err)
	_, err = AddModel(rb, "chat", "llama3")
	require.NoError(t, err)

	report := b.Health().RunNames(context.Background(), "chat_check", "ollama_check")
	assert.Equal(t, health.Unhealthy, report.Status)
	assert.Equal(t, ErrConnectionStringUnavailable.Error(), report.Entries["chat_check"].Error)
	assert.Equal(t, ErrConnectionStringUnavailable.Error(), report.Entries["ollama_check"].Error)
}

func TestStart_PullsModelsAndStartsOpenWebUI(t *testing.T) {
	fake := &fakeServer{}
	host, port := serve(t, fake)

	rt := hostingtest.New()
	rt.Host = host
	b := newBuilder(rt)

	rb, err := Add(b, "ollama", WithPort(port))
	require.NoError(t, err)
	mb, err := AddModel(rb, "chat", "llama3")
	require.NoError(t, err)
	WithOpenWebUI(rb, nil, "")

	app, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer app.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.WaitForResource(ctx, "chat", models.StateHealthy))

	assert.True(t, mb.Resource().Pulled())
	assert.Equal(t, []string{"llama3"}, fake.pulled())

	cs, err := hosting.ConnectionString(ctx, mb.Resource())
	require.NoError(t, err)
	assert.Equal(t, "Endpoint=http://"+host+":"+strconv.Itoa(port)+";Model=llama3", cs)

	require.NoError(t, app.WaitForResource(ctx, "ollama-openwebui", models.StateEndpointResolved))
	assert.Equal(t, []string{"ollama", "ollama-openwebui"}, rt.StartOrder())

	spec, ok := rt.Spec("ollama-openwebui")
	require.True(t, ok)
	assert.Equal(t, "http://ollama:11434", spec.Env["OLLAMA_BASE_URLS"])
}

func failingPullServer(t *testing.T) (host string, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"pull model manifest: file does not exist"}`, http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[]}`))
	})
	return serve(t, mux)
}

func TestStart_PullFailureFailsModel(t *testing.T) {
	host, port := failingPullServer(t)

	rt := hostingtest.New()
	rt.Host = host
	b := newBuilder(rt)
	rb, err := Add(b, "ollama", WithPort(port))
	require.NoError(t, err)
	mb, err := AddModel(rb, "chat", "missing")
	require.NoError(t, err)

	app, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer app.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.WaitForResource(ctx, "ollama", models.StateHealthy))

	err = app.WaitForResource(ctx, "chat", models.StateHealthy)
	require.Error(t, err)
	assert.ErrorIs(t, err, hosting.ErrResourceFailed)
	assert.Contains(t, err.Error(), "pull missing")

	state, cause := mb.Resource().State()
	assert.Equal(t, models.StateResolutionFailed, state)
	assert.True(t, hosting.IsResolutionError(cause))
	assert.False(t, mb.Resource().Pulled())

	report := b.Health().RunNames(context.Background(), "chat_check")
	assert.Equal(t, health.Unhealthy, report.Entries["chat_check"].Status)
	assert.NotEmpty(t, report.Entries["chat_check"].Error)
}

func TestStart_DependentOfFailedModelFails(t *testing.T) {
	host, port := failingPullServer(t)

	rt := hostingtest.New()
	rt.Host = host
	b := newBuilder(rt)
	rb, err := Add(b, "ollama", WithPort(port))
	require.NoError(t, err)
	mb, err := AddModel(rb, "chat", "missing")
	require.NoError(t, err)
	worker, err := Add(b, "worker")
	require.NoError(t, err)
	worker.WaitFor(mb.Resource())

	app, err := b.Build()
	require.NoError(t, err)
	defer app.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = app.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, hosting.ErrResourceFailed)
	assert.NoError(t, ctx.Err())

	state, _ := worker.Resource().State()
	assert.Equal(t, models.StateResolutionFailed, state)
	assert.Equal(t, []string{"ollama"}, rt.StartOrder())
}
