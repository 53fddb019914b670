// Command outbound-processor consumes XML records from the configured input
// queue and writes them to rotated CSV batch files.
//
// Configuration comes from OUTBOUND_* environment variables, optionally
// loaded from a .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	runtimepkg "github.com/sipcic/outbound-processor/internal/runtime"
	configpkg "github.com/sipcic/outbound-processor/internal/runtime/config"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
	_ "github.com/sipcic/outbound-processor/transport/transports"
)

func main() {
	envFile := flag.String("env", "", "Load OUTBOUND_* variables from this file instead of ./.env")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := configpkg.FromEnv(files...)
	if err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}

	base := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: loggingpkg.ParseLevel(cfg.LogLevel)}))
	logger := loggingpkg.NewSlogServiceLogger(base)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := runtimepkg.TryNewService(ctx, cfg, logger, runtimepkg.ServiceDependencies{})
	if err != nil {
		logger.Error("Failed to create service", err, nil)
		stop()
		os.Exit(1)
	}

	code := serve(ctx, svc, logger)
	stop()
	os.Exit(code)
}

type runner interface {
	Start(ctx context.Context) error
	Close() error
}

// serve runs svc until ctx is done and always closes it before returning the
// process exit code.
func serve(ctx context.Context, svc runner, logger loggingpkg.ServiceLogger) int {
	code := 0
	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Router stopped", err, nil)
		code = 1
	}
	if err := svc.Close(); err != nil {
		logger.Error("Failed to close service", err, nil)
		code = 1
	}
	return code
}
