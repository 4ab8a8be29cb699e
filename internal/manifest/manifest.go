// Package manifest reads application manifests and turns them into hosting
// builder calls.
//
// A manifest lists parameters and resources. Resources may wait for or
// reference any resource in the same manifest, including model and database
// children:
//
//	name: shop
//	resources:
//	  - name: metrics
//	    type: influxdb
//	    data_volume: true
//	  - name: raven
//	    type: ravendb
//	    databases:
//	      - name: orders
//	  - name: llm
//	    type: ollama
//	    gpu: nvidia
//	    models:
//	      - model: llama3.2:1b
//	    wait_for: [orders]
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"evalgo.org/apphost/internal/validation"
	"evalgo.org/apphost/pkg/hosting/ollama"
)

// Resource types.
const (
	TypeInfluxDB = "influxdb"
	TypeOllama   = "ollama"
	TypeRavenDB  = "ravendb"
)

// Manifest is the root document.
type Manifest struct {
	Name       string      `yaml:"name,omitempty" validate:"omitempty,resource_name"`
	Parameters []Parameter `yaml:"parameters,omitempty" validate:"dive"`
	Resources  []Resource  `yaml:"resources" validate:"required,min=1,dive"`
}

// Parameter declares a named value. An empty value on a secret parameter
// generates a random token.
type Parameter struct {
	Name   string `yaml:"name" validate:"required,resource_name"`
	Value  string `yaml:"value,omitempty"`
	Secret bool   `yaml:"secret,omitempty"`
}

// Resource declares one container resource and its children.
type Resource struct {
	Name     string `yaml:"name" validate:"required,resource_name"`
	Type     string `yaml:"type" validate:"required,oneof=influxdb ollama ravendb"`
	Port     int    `yaml:"port,omitempty" validate:"min=0,max=65535"`
	Image    string `yaml:"image,omitempty"`
	ImageTag string `yaml:"image_tag,omitempty"`
	Registry string `yaml:"registry,omitempty"`

	Env        map[string]string `yaml:"env,omitempty"`
	Args       []string          `yaml:"args,omitempty"`
	DataVolume bool              `yaml:"data_volume,omitempty"`
	BindMounts []BindMount       `yaml:"bind_mounts,omitempty" validate:"dive"`

	WaitFor      []string `yaml:"wait_for,omitempty" validate:"dive,resource_name"`
	WaitForStart []string `yaml:"wait_for_start,omitempty" validate:"dive,resource_name"`
	References   []string `yaml:"references,omitempty" validate:"dive,resource_name"`

	InfluxDB *InfluxDB `yaml:"influxdb,omitempty"`
	Ollama   *Ollama   `yaml:"ollama,omitempty"`
	RavenDB  *RavenDB  `yaml:"ravendb,omitempty"`
}

// BindMount mounts a host path into the container.
type BindMount struct {
	Source   string `yaml:"source" validate:"required"`
	Target   string `yaml:"target" validate:"required"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// InfluxDB holds influxdb specific options.
type InfluxDB struct {
	Token        string `yaml:"token,omitempty" validate:"omitempty,resource_name"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	Organization string `yaml:"organization,omitempty"`
	Bucket       string `yaml:"bucket,omitempty"`
	ConfigVolume bool   `yaml:"config_volume,omitempty"`
}

// Ollama holds ollama specific options.
type Ollama struct {
	GPU       string     `yaml:"gpu,omitempty" validate:"omitempty,oneof=nvidia amd"`
	Models    []Model    `yaml:"models,omitempty" validate:"dive"`
	OpenWebUI *OpenWebUI `yaml:"openwebui,omitempty"`
}

// Model is an ollama model child resource.
type Model struct {
	Name        string `yaml:"name,omitempty" validate:"omitempty,resource_name"`
	Model       string `yaml:"model" validate:"required"`
	HuggingFace bool   `yaml:"huggingface,omitempty"`
}

// OpenWebUI attaches the server to an Open WebUI container.
type OpenWebUI struct {
	Name       string `yaml:"name,omitempty" validate:"omitempty,resource_name"`
	Port       int    `yaml:"port,omitempty" validate:"min=0,max=65535"`
	DataVolume bool   `yaml:"data_volume,omitempty"`
}

// RavenDB holds ravendb specific options.
type RavenDB struct {
	TCPPort  int        `yaml:"tcp_port,omitempty" validate:"min=0,max=65535"`
	License  string     `yaml:"license,omitempty"`
	Secured  *Secured   `yaml:"secured,omitempty"`
	Database []Database `yaml:"databases,omitempty" validate:"dive"`
}

// Secured configures a RavenDB server with a certificate.
type Secured struct {
	PublicURL           string `yaml:"public_url" validate:"required,http_url"`
	CertificatePath     string `yaml:"certificate_path" validate:"required"`
	CertificatePassword string `yaml:"certificate_password,omitempty"`
}

// Database is a ravendb database child resource.
type Database struct {
	Name     string `yaml:"name" validate:"required,resource_name"`
	Database string `yaml:"database,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest. Unknown fields are rejected.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks field rules, then the cross references between
// resources.
func (m *Manifest) Validate() error {
	if err := validation.New().Struct(m).Err(); err != nil {
		return err
	}

	var errs []error
	names := make(map[string]string)
	declare := func(name, owner string) {
		key := strings.ToLower(name)
		if prev, ok := names[key]; ok {
			errs = append(errs, fmt.Errorf("%s: name %q is already used by %s", owner, name, prev))
			return
		}
		names[key] = owner
	}

	for _, p := range m.Parameters {
		declare(p.Name, "parameter "+p.Name)
	}
	for _, r := range m.Resources {
		declare(r.Name, "resource "+r.Name)
		for _, child := range r.children() {
			declare(child, "resource "+r.Name)
		}
		if err := r.checkOptions(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, r := range m.Resources {
		for _, dep := range r.dependencies() {
			if _, ok := names[strings.ToLower(dep)]; !ok {
				errs = append(errs, fmt.Errorf("resource %s: unknown resource %q", r.Name, dep))
			}
		}
		if r.InfluxDB != nil && r.InfluxDB.Token != "" && !m.hasParameter(r.InfluxDB.Token) {
			errs = append(errs, fmt.Errorf("resource %s: unknown parameter %q", r.Name, r.InfluxDB.Token))
		}
	}

	return errors.Join(errs...)
}

func (m *Manifest) hasParameter(name string) bool {
	for _, p := range m.Parameters {
		if strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

// checkOptions rejects option blocks that do not belong to the resource type.
func (r Resource) checkOptions() error {
	blocks := map[string]bool{
		TypeInfluxDB: r.InfluxDB != nil,
		TypeOllama:   r.Ollama != nil,
		TypeRavenDB:  r.RavenDB != nil,
	}
	for typ, set := range blocks {
		if set && typ != r.Type {
			return fmt.Errorf("resource %s: %s options are not valid for type %s", r.Name, typ, r.Type)
		}
	}
	return nil
}

// children returns the names of the child resources r declares. Unnamed
// ollama models are named after the server and model.
func (r Resource) children() []string {
	var names []string
	if r.Ollama != nil {
		for _, mdl := range r.Ollama.Models {
			names = append(names, mdl.resourceName(r.Name))
		}
		if r.Ollama.OpenWebUI != nil && r.Ollama.OpenWebUI.Name != "" {
			names = append(names, r.Ollama.OpenWebUI.Name)
		}
	}
	if r.RavenDB != nil {
		for _, db := range r.RavenDB.Database {
			names = append(names, db.Name)
		}
	}
	return names
}

func (r Resource) dependencies() []string {
	deps := make([]string, 0, len(r.WaitFor)+len(r.WaitForStart)+len(r.References))
	deps = append(deps, r.WaitFor...)
	deps = append(deps, r.WaitForStart...)
	return append(deps, r.References...)
}

// model returns the model reference passed to ollama.
func (m Model) model() string {
	if m.HuggingFace {
		return ollama.HuggingFaceModel(m.Model)
	}
	return m.Model
}

func (m Model) resourceName(server string) string {
	if m.Name != "" {
		return m.Name
	}
	return ollama.ModelResourceName(server, m.model())
}
