package commands

import (
	"github.com/spf13/cobra"
)

func (c *CLI) newPartialCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "partial [file]",
		Short: "Print the config chain without expanding presets",
		Long: "Print the plugin and preset descriptors and merged scalar options for a file,\n" +
			"stopping before presets are expanded and plugins are instantiated.\n" +
			"Without a file only programmatic and project-wide config apply.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file string
			if len(args) == 1 {
				file = args[0]
			}
			partial, err := c.app.ResolvePartial(cmd.Context(), c.newRequest(file))
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, newPartialView(file, partial))
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "Output format: json or yaml")
	return cmd
}
