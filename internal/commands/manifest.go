package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"evalgo.org/apphost/internal/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Manifest utilities",
}

var validateManifestCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate a manifest without starting anything",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidateManifest,
}

func init() {
	manifestCmd.AddCommand(validateManifestCmd)
}

func runValidateManifest(cmd *cobra.Command, args []string) error {
	path := cfg.App.Manifest
	if len(args) == 1 {
		path = args[0]
	}

	m, err := manifest.Load(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %s is valid (%d resources, %d parameters)\n\n", path, len(m.Resources), len(m.Parameters))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tPORT\tWAITS FOR")
	for _, r := range m.Resources {
		port := "dynamic"
		if r.Port != 0 {
			port = fmt.Sprint(r.Port)
		}
		waits := append(append([]string(nil), r.WaitFor...), r.WaitForStart...)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", r.Name, r.Type, port, waits)
	}
	return tw.Flush()
}
