// Command outbound-feeder publishes XML records from a file to the input
// queue, one <message> document per line, and closes the batch with an EOF
// record unless -no-eof is set.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	runtimepkg "github.com/sipcic/outbound-processor/internal/runtime"
	configpkg "github.com/sipcic/outbound-processor/internal/runtime/config"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
	transportpkg "github.com/sipcic/outbound-processor/transport"
	_ "github.com/sipcic/outbound-processor/transport/transports"
)

const maxRecordSize = 1 << 20

func main() {
	file := flag.String("file", "", "File with one <message> record per line (- for stdin)")
	noEOF := flag.Bool("no-eof", false, "Do not append the EOF record")
	queue := flag.String("queue", "", "Override OUTBOUND_INPUT_QUEUE")
	envFile := flag.String("env", "", "Load OUTBOUND_* variables from this file instead of ./.env")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "outbound-feeder: -file is required")
		flag.Usage()
		os.Exit(2)
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := configpkg.FromEnv(files...)
	if err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}
	if *queue != "" {
		cfg.InputQueue = *queue
	}

	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggingpkg.ParseLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *file, !*noEOF, logger); err != nil {
		logger.Error("Feeding records failed", err, loggingpkg.LogFields{"file": *file})
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *configpkg.Config, path string, withEOF bool, logger loggingpkg.ServiceLogger) error {
	records, err := readRecords(path)
	if err != nil {
		return err
	}

	tr, err := transportpkg.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer tr.Close()

	n, err := runtimepkg.PublishBatch(ctx, tr.Publisher, cfg.InputQueue, records, withEOF)
	logger.Info("Records published", loggingpkg.LogFields{
		"queue":     cfg.InputQueue,
		"published": n,
		"records":   len(records),
		"eof":       withEOF,
	})
	return err
}

func readRecords(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return scanRecords(r)
}

// scanRecords returns the non-blank lines of r.
func scanRecords(r io.Reader) ([]string, error) {
	var records []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		records = append(records, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}
