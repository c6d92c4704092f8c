package commands

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.trai.ch/kiln/internal/core/domain"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "watch <dir> <file>...",
		Short: "Resolve files again whenever config below dir changes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.watcher == nil {
				return domain.ErrWatchUnavailable
			}
			dir, files := args[0], args[1:]
			ctx := cmd.Context()

			var mu sync.Mutex
			report := func() {
				mu.Lock()
				defer mu.Unlock()
				results, err := c.resolveAll(ctx, files, false)
				if err != nil {
					c.logger.Error(err)
					return
				}
				if err := writeResults(cmd.OutOrStdout(), format, files, results); err != nil {
					c.logger.Error(err)
				}
			}

			report()
			return c.app.Watch(ctx, c.watcher, dir, func(paths []string) {
				c.logger.Info(fmt.Sprintf("%d config file(s) changed, resolving again", len(paths)))
				report()
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "Output format: json or yaml")
	return cmd
}
