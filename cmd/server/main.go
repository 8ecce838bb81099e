// Command server runs the task orchestration engine and its operator tools.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
)

// Version is the application version (set via ldflags).
var Version = "dev"

// Run parses args and executes the selected command until it finishes or a
// termination signal arrives.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	app := kingpin.New("server", "Task orchestration engine for the consulting CRM.")
	app.Version(Version)
	app.DefaultEnvars()
	root := newRootCommand(app)

	serveCmd := newServeCommand(root, app)
	migrateCmd := newMigrateCommand(root, app)
	tokenCmd := newTokenCommand(root, app)

	cmds := map[string]command{
		serveCmd.Name():   serveCmd,
		migrateCmd.Name(): migrateCmd,
		tokenCmd.Name():   tokenCmd,
	}

	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	root.Stdin = stdin
	root.Stdout = stdout
	root.Stderr = stderr

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				if err := cmds[cmdName].Run(ctx); err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

func main() {
	if err := Run(context.Background(), os.Args, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
