// Package main is the codedox service and command-line entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/config"
	"github.com/JakeFAU/codedox/internal/logging"
	"github.com/JakeFAU/codedox/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewMain().Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// Main represents the program.
type Main struct {
	// Build constructs the application graph. Tests replace it to pass options.
	Build func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error)
}

// NewMain returns a Main wired to server.Build.
func NewMain() *Main {
	return &Main{
		Build: func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
			return server.Build(ctx, cfg, logger)
		},
	}
}

// Run parses args, builds the application and executes the selected command.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	deps := &Dependencies{Ctx: ctx, Stdout: stdout, Stderr: stderr}

	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("codedox"),
		kong.Description("Crawl documentation sites and extract their code examples."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}),
		kong.Bind(deps),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}
	if len(args) > 0 && (args[0] == "help" || args[0] == "--help" || args[0] == "-h") {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	app, err := m.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Crawler.CancelTimeout+5*time.Second)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	deps.App = app
	deps.Config = cfg
	deps.Logger = logger
	return kongCtx.Run(deps)
}
