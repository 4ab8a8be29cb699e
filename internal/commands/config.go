package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)

	initConfigCmd.Flags().Bool("force", false, "overwrite an existing file")
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

const defaultConfig = `# apphost configuration

app:
  name: apphost
  manifest: apphost.manifest.yaml

runtime:
  host_address: localhost
  pull_policy: missing
  stop_timeout: 10s
  port_timeout: 30s
  keep_containers: false

server:
  enabled: true
  host: 127.0.0.1
  port: 18888
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  debug: false

health:
  interval: 5s
  timeout: 10s

logging:
  level: info
  format: text
  output: stdout

security:
  rate_limit: 50
  allowed_origins:
    - "*"

# Connection strings used by "apphost check"; also read from
# CONNECTION_STRINGS__<NAME>.
# connection_strings:
#   metrics: http://localhost:8086?token=changeme
#   orders: URL=http://localhost:8080;Database=orders

# apphost:
#   influxdb:
#     client:
#       health_check_timeout: 5000
#   ravendb:
#     client:
#       create_database: true
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := "apphost.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	force, _ := cmd.Flags().GetBool("force")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Created %s\n", path)
	return nil
}
