package ollama

import (
	"strconv"
	"strings"
	"sync"

	"evalgo.org/apphost/pkg/connstr"
	"evalgo.org/apphost/pkg/hosting"
)

const (
	OpenWebUIRegistry   = "ghcr.io"
	OpenWebUIImage      = "open-webui/open-webui"
	OpenWebUITag        = "main"
	OpenWebUITargetPort = 8080
	OpenWebUIDataPath   = "/app/backend/data"
)

// OpenWebUIResource is an Open WebUI container serving one or more Ollama
// servers.
type OpenWebUIResource struct {
	*hosting.ContainerResource

	endpoint *hosting.Endpoint
	expr     *hosting.ReferenceExpression

	mu      sync.Mutex
	servers []*Resource
}

func (w *OpenWebUIResource) PrimaryEndpoint() *hosting.Endpoint { return w.endpoint }

// ConnectionStringExpression returns scheme://host:port.
func (w *OpenWebUIResource) ConnectionStringExpression() *hosting.ReferenceExpression { return w.expr }

// OllamaResources returns the attached servers.
func (w *OpenWebUIResource) OllamaResources() []*Resource {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Resource(nil), w.servers...)
}

// BaseURLs returns the in-network URLs of the attached servers joined by
// ";", the format of OLLAMA_BASE_URLS.
func (w *OpenWebUIResource) BaseURLs() string {
	servers := w.OllamaResources()
	urls := make([]string, 0, len(servers))
	for _, s := range servers {
		urls = append(urls, "http://"+s.Name()+":"+strconv.Itoa(s.PrimaryEndpoint().TargetPort()))
	}
	return strings.Join(urls, ";")
}

func (w *OpenWebUIResource) attach(r *Resource) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.servers {
		if s == r {
			return false
		}
	}
	w.servers = append(w.servers, r)
	return true
}

// WithOpenWebUI attaches the server to an Open WebUI container. The
// application shares a single Open WebUI; the first call creates it as
// name, or <server>-openwebui when name is empty. configure, if not nil,
// customizes the Open WebUI resource.
func WithOpenWebUI(rb *hosting.ResourceBuilder[*Resource], configure func(*hosting.ResourceBuilder[*OpenWebUIResource]), name string) *hosting.ResourceBuilder[*Resource] {
	b := rb.Builder()
	server := rb.Resource()

	ui := existingOpenWebUI(b)
	if ui == nil {
		if name == "" {
			name = server.Name() + "-openwebui"
		}
		var err error
		if ui, err = newOpenWebUI(b, name); err != nil {
			b.AddError(err)
			return rb
		}
	}

	uib := hosting.NewResourceBuilder(b, ui)
	if ui.attach(server) {
		uib.WaitFor(server)
	}
	if configure != nil {
		configure(uib)
	}
	return rb
}

func existingOpenWebUI(b *hosting.Builder) *OpenWebUIResource {
	for _, r := range b.Resources() {
		if ui, ok := r.(*OpenWebUIResource); ok {
			return ui
		}
	}
	return nil
}

func newOpenWebUI(b *hosting.Builder, name string) (*OpenWebUIResource, error) {
	ui := &OpenWebUIResource{ContainerResource: hosting.NewContainerResource(name, "open-webui")}
	ep, err := ui.AddEndpoint("http", "http", OpenWebUITargetPort, 0)
	if err != nil {
		return nil, err
	}
	ui.endpoint = ep
	ui.expr = hosting.NewConnectionStringExpression(connstr.URL, ep, nil)

	ui.SetImage(hosting.ImageRef{Registry: OpenWebUIRegistry, Image: OpenWebUIImage, Tag: OpenWebUITag})
	ui.SetEnv("ENABLE_SIGNUP", "false")
	ui.SetEnv("ENABLE_COMMUNITY_SHARING", "false")
	ui.SetEnv("WEBUI_AUTH", "false")
	ui.AddEnvFunc(func(ec *hosting.EnvironmentContext) error {
		ec.Env["OLLAMA_BASE_URLS"] = ui.BaseURLs()
		return nil
	})

	if err := b.AddResource(ui); err != nil {
		return nil, err
	}
	return ui, nil
}

// WithHostPort publishes Open WebUI on a fixed host port. 0 lets the
// runtime choose.
func WithHostPort(rb *hosting.ResourceBuilder[*OpenWebUIResource], port int) *hosting.ResourceBuilder[*OpenWebUIResource] {
	if err := rb.Resource().PrimaryEndpoint().SetPort(port); err != nil {
		rb.Builder().AddError(err)
	}
	return rb
}

// WithOpenWebUIDataVolume mounts a named volume at /app/backend/data. An
// empty name generates <app>-<resource>-data.
func WithOpenWebUIDataVolume(rb *hosting.ResourceBuilder[*OpenWebUIResource], name string, readOnly bool) *hosting.ResourceBuilder[*OpenWebUIResource] {
	return rb.WithVolume(name, OpenWebUIDataPath, readOnly)
}
