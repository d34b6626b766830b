// Command fractalctl runs and inspects a fractal agent runtime.
//
// Usage:
//
//	fractalctl validate --config config.yaml
//	fractalctl info --config config.yaml
//	fractalctl serve --config config.yaml --metrics-addr :9464
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kongusen/fractalcore/pkg/runtime"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Info     InfoCmd     `cmd:"" help:"Show the assembled runtime's agents and tools."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime and serve until interrupted."`

	Config string `short:"c" help:"Path to config file." type:"path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Printf("fractalctl %s\n", version)
	return nil
}

func loadConfig(path string) (*runtime.Config, error) {
	if path == "" {
		cfg := &runtime.Config{}
		cfg.SetDefaults()
		return cfg, nil
	}
	return runtime.LoadConfig(path)
}

// ValidateCmd parses and validates the configuration, reporting the first
// error found.
type ValidateCmd struct{}

func (ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("validate requires --config")
	}
	if _, err := runtime.LoadConfig(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", cli.Config)
	return nil
}

// InfoCmd assembles the runtime and prints its shape without serving.
type InfoCmd struct{}

func (InfoCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := runtime.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Shutdown(ctx) }()

	fmt.Printf("root agent: %s (role %s, model %s)\n", rt.Root.ID(), rt.Root.Role(), cfg.Model)
	fmt.Println("tools:")
	for _, name := range rt.Root.ToolNames() {
		fmt.Printf("  - %s\n", name)
	}
	return nil
}

// ServeCmd runs the runtime until SIGINT/SIGTERM.
type ServeCmd struct {
	MetricsAddr string `help:"Address for the Prometheus metrics endpoint (empty = disabled)." default:""`
}

func (s ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, nil)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.Observability.MetricsHandler())
		metricsSrv = &http.Server{Addr: s.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", s.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	slog.Info("runtime started", "root", rt.Root.ID())
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return rt.Shutdown(shutdownCtx)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("fractalctl"),
		kong.Description("Fractal agent runtime."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
