// Package apphost runs InfluxDB, Ollama and RavenDB containers as one local
// application and connects client code to them.
//
// # Overview
//
// A resource is declared once, started on Docker with a dynamically assigned
// host port and, once the port is known, publishes a connection string that
// dependent containers and client libraries consume.
//
//	┌──────────────────┐   declares    ┌──────────────────┐
//	│  manifest / code │──────────────►│  hosting.Builder │
//	└──────────────────┘               └────────┬─────────┘
//	                                            │ Build / Start
//	┌──────────────────┐   containers  ┌────────▼─────────┐
//	│  Docker daemon   │◄──────────────│  Application     │
//	└──────────────────┘               └────────┬─────────┘
//	                                            │ connection strings
//	┌──────────────────┐               ┌────────▼─────────┐
//	│  clients         │◄──────────────│  CONNECTION_     │
//	│  (influx, raven) │               │  STRINGS__<NAME> │
//	└──────────────────┘               └──────────────────┘
//
// # Packages
//
// Hosting side:
//   - pkg/hosting: resources, endpoints, reference expressions, eventing, state machine
//   - pkg/hosting/influxdb, pkg/hosting/ollama, pkg/hosting/ravendb: resource types
//   - pkg/hosting/docker: Docker runtime
//   - pkg/hosting/hostingtest: in-memory runtime for tests
//
// Client side:
//   - pkg/host: layered configuration, keyed services, health checks, tracing
//   - pkg/clients/influxdb, pkg/clients/ravendb: client registrations
//   - pkg/connstr: connection string formats and parsing
//   - pkg/health: health check registry and prometheus metrics
//
// # Usage
//
// Declare resources in code:
//
//	b := hosting.NewBuilder(hosting.WithName("shop"), hosting.WithRuntime(rt))
//	influx, _ := influxdb.Add(b, "metrics")
//	llm, _ := ollama.Add(b, "llm")
//	ollama.AddModel(llm, "", "llama3.2:1b")
//	llm.WaitFor(influx.Resource()).WithReference(influx.Resource())
//	app, err := b.Build()
//
// Or in a manifest and run it:
//
//	apphost run apphost.manifest.yaml
//
// Probe the published connection strings from the client side:
//
//	apphost check --influxdb metrics --ravendb orders
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (apphost.yaml)
//   - Environment variables (APPHOST_ prefix)
//   - .env file
//
// Connection strings are read from connection_strings.<name> or
// CONNECTION_STRINGS__<NAME>.
//
// # API Endpoints
//
//   - GET /health                  - Health report of every check
//   - GET /alive                   - Liveness checks only
//   - GET /metrics                 - Prometheus metrics
//   - GET /api/v1/resources        - List resources (paginated)
//   - GET /api/v1/resources/:name  - Get one resource
//   - GET /ws/resources            - Resource state stream
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Tests that need a Docker daemon or a RavenDB server are skipped with
// -short.
//
// Build the binary:
//
//	go build -o apphost ./cmd/apphost
package apphost
