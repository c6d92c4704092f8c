// Package commands implements the CLI commands for kiln.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"go.trai.ch/kiln/internal/build"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/flow"
)

// Application is the part of the loader the commands drive.
type Application interface {
	Resolve(ctx context.Context, req domain.Request) (*domain.MergedOptions, error)
	ResolveAsync(ctx context.Context, req domain.Request) *flow.Future[*domain.MergedOptions]
	ResolvePartial(ctx context.Context, req domain.Request) (*domain.PartialConfig, error)
	Watch(ctx context.Context, w ports.Watcher, root string, onChange func(paths []string)) error
}

// logControl is implemented by loggers whose output can be tuned from flags.
type logControl interface {
	SetLevel(level slog.Level)
	SetJSON(enable bool)
}

// CLI represents the command line interface for kiln.
type CLI struct {
	app     Application
	logger  ports.Logger
	watcher ports.Watcher
	rootCmd *cobra.Command
	request requestFlags
}

type requestFlags struct {
	cwd        string
	root       string
	env        string
	rootMode   string
	configFile string
	noKilnrc   bool
	caller     map[string]string
	verbose    bool
	jsonLogs   bool
}

// New creates a new CLI instance. w may be nil when watch is not used.
func New(a Application, logger ports.Logger, w ports.Watcher) *CLI {
	rootCmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Resolve transform configuration and plugin chains",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       build.Version,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"{{.Name}} version {{.Version}} (commit: %s, date: %s)\n",
		build.Commit,
		build.Date,
	))
	rootCmd.InitDefaultVersionFlag()
	rootCmd.Flags().Lookup("version").Usage = "Print the application version"

	rootCmd.InitDefaultHelpFlag()
	rootCmd.Flags().Lookup("help").Usage = "Show help for command"

	c := &CLI{
		app:     a,
		logger:  logger,
		watcher: w,
		rootCmd: rootCmd,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.request.cwd, "cwd", "", "Base directory for relative paths (default: working directory)")
	pf.StringVar(&c.request.root, "root", "", "Directory where the project-wide config search starts (default: cwd)")
	pf.StringVarP(&c.request.env, "env", "e", "", "Env name (default: $KILN_ENV or development)")
	pf.StringVar(&c.request.rootMode, "root-mode", string(domain.RootModeRoot), "Root mode: root, upward or upward-optional")
	pf.StringVar(&c.request.configFile, "config-file", "", "Explicit project-wide config file")
	pf.BoolVar(&c.request.noKilnrc, "no-kilnrc", false, "Ignore file-relative .kilnrc configs")
	pf.StringToStringVar(&c.request.caller, "caller", nil, "Caller metadata as key=value pairs")
	pf.BoolVar(&c.request.verbose, "verbose", false, "Log cache and file activity")
	pf.BoolVar(&c.request.jsonLogs, "json", false, "Write logs as JSON")

	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		c.configureLogger()
	}

	rootCmd.AddCommand(c.newResolveCmd())
	rootCmd.AddCommand(c.newPartialCmd())
	rootCmd.AddCommand(c.newWatchCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

func (c *CLI) configureLogger() {
	lc, ok := c.logger.(logControl)
	if !ok {
		return
	}
	lc.SetJSON(c.request.jsonLogs)
	if c.request.verbose {
		lc.SetLevel(slog.LevelDebug)
	}
}

// newRequest builds the request for filename from the persistent flags.
func (c *CLI) newRequest(filename string) domain.Request {
	req := domain.Request{
		Filename:   filename,
		Cwd:        c.request.cwd,
		Root:       c.request.root,
		RootMode:   domain.RootMode(c.request.rootMode),
		ConfigFile: c.request.configFile,
		EnvName:    c.request.env,
		Caller:     parseCaller(c.request.caller),
	}
	if c.request.noKilnrc {
		off := false
		req.Kilnrc = &off
	}
	return req
}

// parseCaller turns key=value flags into caller metadata. Booleans are typed
// so that factories can test capabilities such as supportsStaticESM.
func parseCaller(raw map[string]string) domain.Caller {
	if len(raw) == 0 {
		return nil
	}
	caller := make(domain.Caller, len(raw))
	for k, v := range raw {
		switch v {
		case "true":
			caller[k] = true
		case "false":
			caller[k] = false
		default:
			caller[k] = v
		}
	}
	return caller
}
