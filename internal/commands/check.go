package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"evalgo.org/apphost/pkg/clients/influxdb"
	"evalgo.org/apphost/pkg/clients/ravendb"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/host"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe resources through their client connection strings",
	Long: `Register a client for every named connection and run its health
check once.

Connection strings are read from connection_strings.<name> in the
configuration or from CONNECTION_STRINGS__<NAME>, the variables "apphost run"
injects into dependent containers. Client settings are read from the
apphost.influxdb.client and apphost.ravendb.client sections.`,
	Example: `  apphost check --influxdb metrics --ravendb orders
  CONNECTION_STRINGS__METRICS="http://localhost:8086?token=secret" apphost check --influxdb metrics -o json`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringSlice("influxdb", nil, "InfluxDB connection names to check")
	checkCmd.Flags().StringSlice("ravendb", nil, "RavenDB connection names to check")
	checkCmd.Flags().Duration("timeout", 30*time.Second, "overall timeout")
	checkCmd.Flags().StringP("output", "o", "text", "output format (text, json)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	influxNames, _ := cmd.Flags().GetStringSlice("influxdb")
	ravenNames, _ := cmd.Flags().GetStringSlice("ravendb")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	output, _ := cmd.Flags().GetString("output")

	if len(influxNames)+len(ravenNames) == 0 {
		return fmt.Errorf("nothing to check: pass --influxdb or --ravendb")
	}
	if output != "text" && output != "json" {
		return fmt.Errorf("invalid output format %q", output)
	}

	h, err := buildClientHost(influxNames, ravenNames)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			h.Logger.WithError(err).Warn("Failed to close clients")
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	report := h.CheckHealth(ctx)

	if err := printReport(cmd.OutOrStdout(), report, output); err != nil {
		return err
	}
	if report.Status == health.Unhealthy {
		return fmt.Errorf("unhealthy: %v", report.Failed())
	}
	return nil
}

// buildClientHost registers one keyed client per connection name.
func buildClientHost(influxNames, ravenNames []string) (*host.Host, error) {
	b := host.NewBuilder(
		host.WithConfig(v),
		host.WithLogger(logrus.NewEntry(logger).WithField("command", "check")),
	)

	for _, name := range influxNames {
		if err := influxdb.AddKeyedClient(b, name, name, nil); err != nil {
			return nil, fmt.Errorf("influxdb %s: %w", name, err)
		}
	}
	for _, name := range ravenNames {
		if err := ravendb.AddKeyedClient(b, name, name, nil); err != nil {
			return nil, fmt.Errorf("ravendb %s: %w", name, err)
		}
	}
	return b.Build(), nil
}

func printReport(w io.Writer, report health.Report, output string) error {
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	names := make([]string, 0, len(report.Entries))
	for name := range report.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tDURATION\tERROR")
	for _, name := range names {
		e := report.Entries[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, e.Status, e.Duration.Round(time.Millisecond), e.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nOverall: %s (%s)\n", report.Status, report.TotalDuration.Round(time.Millisecond))
	return err
}
