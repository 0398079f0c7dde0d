// Control Room log sink.
//
// Receives newline-delimited JSON log records over TCP from the control
// room and its modules, and appends them to a single file. The control
// room starts this binary before anything else and stops it last.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/controlroom/internal/infrastructure/config"
	"github.com/nerrad567/controlroom/internal/infrastructure/logging"
	"github.com/nerrad567/controlroom/internal/logsink"
)

var version = "dev"

// options are the parsed command line flags.
type options struct {
	listen   string
	file     string
	logLevel string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("controlroom-logsink", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&opts.listen, "listen", logsink.DefaultAddress, "address to receive log records on")
	fs.StringVar(&opts.file, "file", logsink.DefaultFile, "file to append records to")
	fs.StringVar(&opts.logLevel, "log-level", "info", "level of the sink's own log output")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// run serves until ctx is cancelled.
func run(ctx context.Context, opts options) error {
	// The sink's own messages go to stderr only; forwarding them to itself
	// would loop.
	log := logging.New(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: "text",
		Output: "stderr",
	}, version).With("component", "logsink")

	srv := logsink.New(logsink.Config{
		Address: opts.listen,
		File:    opts.file,
		Logger:  log,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting log sink: %w", err)
	}

	<-ctx.Done()

	if err := srv.Close(); err != nil {
		return fmt.Errorf("closing log sink: %w", err)
	}
	st := srv.Stats()
	log.Info("log sink stopped",
		"records", st.Records,
		"malformed", st.Malformed,
		"connections", st.Connections,
	)
	return nil
}
