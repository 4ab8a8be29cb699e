// Package commands implements the apphost command line.
package commands

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalgo.org/apphost/internal/config"
	"evalgo.org/apphost/internal/logging"
	"evalgo.org/apphost/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
	v       *viper.Viper
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "apphost",
	Short: "Run InfluxDB, Ollama and RavenDB as one local application",
	Long: `apphost starts the container resources declared in a manifest,
waits for their endpoints, publishes their connection strings and keeps
their health checks running.

Connection strings are injected into dependent containers as
CONNECTION_STRINGS__<NAME> and can be probed from the client side with
"apphost check".`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./apphost.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func initConfig() {
	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	var err error
	v, cfg, err = config.LoadViper(cfgFile)
	if err != nil {
		return err
	}

	flags := rootCmd.PersistentFlags()
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = f.Value.String()
		v.Set("logging.level", cfg.Logging.Level)
	}
	if f := flags.Lookup("log-format"); f != nil && f.Changed {
		cfg.Logging.Format = f.Value.String()
		v.Set("logging.format", cfg.Logging.Format)
	}

	logger, err = logging.New(cfg.Logging)
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, info.String())

		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			fmt.Fprintf(out, "\nDetails:\n")
			fmt.Fprintf(out, "  Version:    %s\n", info.Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "  Built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "  Go Version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "  Platform:   %s\n", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "verbose version output")
}
