package manifest

import (
	"errors"
	"fmt"

	"evalgo.org/apphost/pkg/hosting"
	"evalgo.org/apphost/pkg/hosting/influxdb"
	"evalgo.org/apphost/pkg/hosting/ollama"
	"evalgo.org/apphost/pkg/hosting/ravendb"
)

// node is the part of a resource builder that wiring needs, independent of
// the resource type.
type node interface {
	WaitFor(dep hosting.Resource)
	WaitForStart(dep hosting.Resource)
	WithReference(dep hosting.ConnectionStringResource)
}

type typedNode[T hosting.Resource] struct {
	rb *hosting.ResourceBuilder[T]
}

func (n typedNode[T]) WaitFor(dep hosting.Resource)      { n.rb.WaitFor(dep) }
func (n typedNode[T]) WaitForStart(dep hosting.Resource) { n.rb.WaitForStart(dep) }
func (n typedNode[T]) WithReference(dep hosting.ConnectionStringResource) {
	n.rb.WithReference(dep)
}

// Apply declares the parameters and resources of m on b. Resources are added
// first so waits and references may point at resources declared later in
// the file.
func Apply(b *hosting.Builder, m *Manifest) error {
	for _, p := range m.Parameters {
		var err error
		if p.Secret && p.Value == "" {
			_, err = b.AddSecretParameter(p.Name)
		} else {
			_, err = b.AddParameter(p.Name, p.Value, p.Secret)
		}
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
	}

	nodes := make(map[string]node, len(m.Resources))
	for _, r := range m.Resources {
		n, err := add(b, r)
		if err != nil {
			return fmt.Errorf("resource %s: %w", r.Name, err)
		}
		nodes[r.Name] = n
	}

	var errs []error
	for _, r := range m.Resources {
		n := nodes[r.Name]
		for _, name := range r.WaitFor {
			if dep, ok := b.Resource(name); ok {
				n.WaitFor(dep)
			} else {
				errs = append(errs, fmt.Errorf("resource %s: unknown wait target %q", r.Name, name))
			}
		}
		for _, name := range r.WaitForStart {
			if dep, ok := b.Resource(name); ok {
				n.WaitForStart(dep)
			} else {
				errs = append(errs, fmt.Errorf("resource %s: unknown wait target %q", r.Name, name))
			}
		}
		for _, name := range r.References {
			dep, ok := b.Resource(name)
			if !ok {
				errs = append(errs, fmt.Errorf("resource %s: unknown reference %q", r.Name, name))
				continue
			}
			cs, ok := dep.(hosting.ConnectionStringResource)
			if !ok {
				errs = append(errs, fmt.Errorf("resource %s: %q has no connection string", r.Name, name))
				continue
			}
			n.WithReference(cs)
		}
	}
	return errors.Join(errs...)
}

func add(b *hosting.Builder, r Resource) (node, error) {
	switch r.Type {
	case TypeInfluxDB:
		return addInfluxDB(b, r)
	case TypeOllama:
		return addOllama(b, r)
	case TypeRavenDB:
		return addRavenDB(b, r)
	default:
		return nil, fmt.Errorf("unsupported resource type %q", r.Type)
	}
}

// container applies the settings shared by every resource type.
func container[T hosting.Resource](rb *hosting.ResourceBuilder[T], r Resource) {
	if r.Registry != "" {
		rb.WithImageRegistry(r.Registry)
	}
	if r.Image != "" {
		rb.WithImage(r.Image)
	}
	if r.ImageTag != "" {
		rb.WithImageTag(r.ImageTag)
	}
	for k, v := range r.Env {
		rb.WithEnvironment(k, v)
	}
	if len(r.Args) > 0 {
		rb.WithArgs(r.Args...)
	}
	for _, m := range r.BindMounts {
		rb.WithBindMount(m.Source, m.Target, m.ReadOnly)
	}
}

func addInfluxDB(b *hosting.Builder, r Resource) (node, error) {
	opts := []influxdb.Option{influxdb.WithPort(r.Port)}
	cfg := r.InfluxDB
	if cfg == nil {
		cfg = &InfluxDB{}
	}
	if cfg.Token != "" {
		p, ok := b.Parameter(cfg.Token)
		if !ok {
			return nil, fmt.Errorf("unknown parameter %q", cfg.Token)
		}
		opts = append(opts, influxdb.WithToken(p))
	}
	opts = append(opts,
		influxdb.WithAdmin(cfg.Username, cfg.Password),
		influxdb.WithOrganization(cfg.Organization, cfg.Bucket),
	)

	rb, err := influxdb.Add(b, r.Name, opts...)
	if err != nil {
		return nil, err
	}
	container(rb, r)
	if r.DataVolume {
		influxdb.WithDataVolume(rb, "", false)
	}
	if cfg.ConfigVolume {
		influxdb.WithConfigVolume(rb, "", false)
	}
	return typedNode[*influxdb.ServerResource]{rb}, nil
}

func addOllama(b *hosting.Builder, r Resource) (node, error) {
	rb, err := ollama.Add(b, r.Name, ollama.WithPort(r.Port))
	if err != nil {
		return nil, err
	}
	container(rb, r)
	if r.DataVolume {
		ollama.WithDataVolume(rb, "", false)
	}

	cfg := r.Ollama
	if cfg == nil {
		return typedNode[*ollama.Resource]{rb}, nil
	}
	switch cfg.GPU {
	case "nvidia":
		ollama.WithGPUSupport(rb, ollama.Nvidia)
	case "amd":
		ollama.WithGPUSupport(rb, ollama.AMD)
	}
	for _, m := range cfg.Models {
		if _, err := ollama.AddModel(rb, m.resourceName(r.Name), m.model()); err != nil {
			return nil, err
		}
	}
	if ui := cfg.OpenWebUI; ui != nil {
		ollama.WithOpenWebUI(rb, func(uib *hosting.ResourceBuilder[*ollama.OpenWebUIResource]) {
			if ui.Port != 0 {
				ollama.WithHostPort(uib, ui.Port)
			}
			if ui.DataVolume {
				ollama.WithOpenWebUIDataVolume(uib, "", false)
			}
		}, ui.Name)
	}
	return typedNode[*ollama.Resource]{rb}, nil
}

func addRavenDB(b *hosting.Builder, r Resource) (node, error) {
	cfg := r.RavenDB
	if cfg == nil {
		cfg = &RavenDB{}
	}

	settings := ravendb.Unsecured()
	if s := cfg.Secured; s != nil {
		settings = ravendb.Secured(s.PublicURL, s.CertificatePath, s.CertificatePassword)
	}
	if cfg.License != "" {
		settings = settings.WithLicense(cfg.License)
	}

	rb, err := ravendb.Add(b, r.Name, settings, ravendb.WithPort(r.Port), ravendb.WithTCPPort(cfg.TCPPort))
	if err != nil {
		return nil, err
	}
	container(rb, r)
	if r.DataVolume {
		ravendb.WithDataVolume(rb, "", false)
	}
	for _, db := range cfg.Database {
		if _, err := ravendb.AddDatabase(rb, db.Name, db.Database); err != nil {
			return nil, err
		}
	}
	return typedNode[*ravendb.ServerResource]{rb}, nil
}
