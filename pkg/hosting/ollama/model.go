package ollama

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/ollama/ollama/api"
	"github.com/sirupsen/logrus"

	"evalgo.org/apphost/models"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/hosting"
)

// ModelResource is a model served by an Ollama server. It is a child of the
// server and shares its lifecycle.
type ModelResource struct {
	hosting.ResourceBase

	model  string
	server *Resource
	expr   *hosting.ReferenceExpression

	pulled  atomic.Bool
	pullErr atomic.Pointer[error]
}

// ModelName returns the model as passed to the Ollama API.
func (m *ModelResource) ModelName() string { return m.model }

// Server returns the parent server.
func (m *ModelResource) Server() *Resource { return m.server }

// ConnectionStringExpression returns Endpoint=<server url>;Model=<model>.
func (m *ModelResource) ConnectionStringExpression() *hosting.ReferenceExpression { return m.expr }

// Pulled reports whether the model download finished.
func (m *ModelResource) Pulled() bool { return m.pulled.Load() }

// AddModel declares model on the server. An empty name derives the
// resource name from the server and model names.
func AddModel(rb *hosting.ResourceBuilder[*Resource], name, model string) (*hosting.ResourceBuilder[*ModelResource], error) {
	server := rb.Resource()
	if strings.TrimSpace(model) == "" {
		return nil, &hosting.ConfigError{Resource: server.Name(), Message: "model name is required"}
	}
	if name == "" {
		name = ModelResourceName(server.Name(), model)
	}

	m := &ModelResource{
		ResourceBase: hosting.NewResourceBase(name, "ollama-model"),
		model:        model,
		server:       server,
	}
	m.expr = hosting.NewReferenceExpression(
		hosting.Literal("Endpoint="),
		server.PrimaryEndpoint().Property(hosting.PropertyURL),
		hosting.Literal(";Model="+model),
	)
	m.SetParent(server)

	b := rb.Builder()
	if err := b.AddResource(m); err != nil {
		return nil, err
	}

	server.mu.Lock()
	server.models = append(server.models, m)
	server.mu.Unlock()

	checkName := name + "_check"
	if err := b.Health().Add(health.Registration{
		Name:    checkName,
		Factory: modelCheck(m),
		Tags:    []string{"ollama", "model"},
	}); err != nil {
		return nil, err
	}

	return hosting.NewResourceBuilder(b, m).WithHealthCheck(checkName), nil
}

// AddHuggingFaceModel declares a GGUF model hosted on Hugging Face. Model
// names without an hf.co/ or huggingface.co/ prefix get hf.co/.
func AddHuggingFaceModel(rb *hosting.ResourceBuilder[*Resource], name, model string) (*hosting.ResourceBuilder[*ModelResource], error) {
	return AddModel(rb, name, HuggingFaceModel(model))
}

// HuggingFaceModel returns model with the hf.co/ prefix ollama expects.
func HuggingFaceModel(model string) string {
	if strings.HasPrefix(model, "hf.co/") || strings.HasPrefix(model, "huggingface.co/") {
		return model
	}
	return "hf.co/" + model
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// ModelResourceName derives a valid resource name for model on server.
func ModelResourceName(server, model string) string {
	s := invalidNameChars.ReplaceAllString(model, "-")
	return server + "-" + strings.Trim(s, "-")
}

func modelCheck(m *ModelResource) health.Factory {
	return func(context.Context) (health.Check, error) {
		if p := m.pullErr.Load(); p != nil {
			return nil, fmt.Errorf("pull %s: %w", m.model, *p)
		}
		client, err := clientFor(m.server.PublishedConnectionString())
		if err != nil {
			return nil, err
		}
		return health.CheckFunc(func(ctx context.Context) error {
			list, err := client.List(ctx)
			if err != nil {
				return err
			}
			if !listed(list, m.model) {
				return fmt.Errorf("model %s is not available yet", m.model)
			}
			return nil
		}), nil
	}
}

func listed(list *api.ListResponse, model string) bool {
	want := canonicalModel(model)
	for _, lm := range list.Models {
		if canonicalModel(lm.Name) == want || canonicalModel(lm.Model) == want {
			return true
		}
	}
	return false
}

// canonicalModel lowercases model and adds the implicit latest tag.
func canonicalModel(model string) string {
	model = strings.ToLower(model)
	if model == "" {
		return model
	}
	if !strings.Contains(model[strings.LastIndex(model, "/")+1:], ":") {
		model += ":latest"
	}
	return model
}

func (m *ModelResource) pull(ctx context.Context, serverURL string, logger *logrus.Entry) {
	log := logger.WithField("resource", m.Name()).WithField("model", m.model)

	client, err := clientFor(serverURL)
	if err != nil {
		log.WithError(err).Error("Cannot pull model")
		m.fail(err, log)
		return
	}

	log.Info("Pulling model")
	var lastStatus string
	err = client.Pull(ctx, &api.PullRequest{Model: m.model}, func(p api.ProgressResponse) error {
		if p.Status != lastStatus {
			lastStatus = p.Status
			log.WithField("status", p.Status).Debug("Model pull progress")
		}
		if p.Total > 0 {
			log.WithField("percent", p.Completed*100/p.Total).Trace("Model pull progress")
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("Model pull failed")
			m.fail(err, log)
		}
		return
	}
	m.pulled.Store(true)
	log.Info("Model pulled")
}

// fail records a pull error and moves the model to ResolutionFailed so
// that resources waiting on it give up.
func (m *ModelResource) fail(err error, log *logrus.Entry) {
	m.pullErr.Store(&err)
	cause := &hosting.ResolutionError{Resource: m.Name(), Err: fmt.Errorf("pull %s: %w", m.model, err)}
	if terr := m.Transition(models.StateResolutionFailed, cause); terr != nil {
		log.WithError(terr).Warn("Model not marked failed")
	}
}
