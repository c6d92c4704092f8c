package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

func (c *CLI) newResolveCmd() *cobra.Command {
	var (
		format string
		async  bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <file>...",
		Short: "Print the merged options for each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := c.resolveAll(cmd.Context(), args, async)
			if err != nil {
				return err
			}
			return writeResults(cmd.OutOrStdout(), format, args, results)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "Output format: json or yaml")
	cmd.Flags().BoolVar(&async, "async", false, "Resolve asynchronously, allowing async factories")
	return cmd
}

// resolveAll resolves files in parallel. Results keep the order of files.
func (c *CLI) resolveAll(ctx context.Context, files []string, async bool) ([]*domain.MergedOptions, error) {
	results := make([]*domain.MergedOptions, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, file := range files {
		g.Go(func() error {
			out, err := c.resolveOne(ctx, file, async)
			if err != nil {
				return errors.Join(domain.ErrResolveFailed, zerr.With(
					zerr.Wrap(err, fmt.Sprintf("failed to resolve %s", file)),
					"file", file,
				))
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *CLI) resolveOne(ctx context.Context, file string, async bool) (*domain.MergedOptions, error) {
	req := c.newRequest(file)
	if async {
		return c.app.ResolveAsync(ctx, req).Await()
	}
	return c.app.Resolve(ctx, req)
}

func writeResults(w io.Writer, format string, files []string, results []*domain.MergedOptions) error {
	for i, out := range results {
		if i > 0 && format == formatYAML {
			if _, err := io.WriteString(w, "---\n"); err != nil {
				return err
			}
		}
		if err := render(w, format, newResultView(files[i], out)); err != nil {
			return err
		}
	}
	return nil
}
