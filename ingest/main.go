// Command ingest loads supplier spreadsheet exports into the catalog.
//
//	ingest -source katib.pk "Katib books.xlsx"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kitabhub/book-catalog/internal/config"
	"github.com/kitabhub/book-catalog/internal/elasticsearch"
	"github.com/kitabhub/book-catalog/internal/ingest"
	"github.com/kitabhub/book-catalog/internal/logger"
	"github.com/kitabhub/book-catalog/internal/spreadsheet"
)

func main() {
	source := flag.String("source", "", "supplier name stamped on every record (required)")
	mode := flag.String("mode", "", "duplicate policy: upsert or skip (default from INGEST_MODE)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.csv|file.xlsx ...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New("ingest")

	if *source == "" {
		log.Error("missing required -source flag")
		flag.Usage()
		os.Exit(2)
	}
	files := flag.Args()
	if len(files) == 0 {
		log.Error("no input files")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadIngest()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = esClient.EnsureIndex(ensureCtx)
	cancel()
	if err != nil {
		log.Error("ensure index", slog.Any("err", err))
		os.Exit(1)
	}

	exitCode := 0
	for _, path := range files {
		src, err := spreadsheet.Open(path)
		if err != nil {
			// An unreadable file is fatal for that file, not the run.
			log.Error("open source", slog.String("file", path), slog.Any("err", err))
			exitCode = 1
			continue
		}

		summary, err := ingest.Run(ctx, log, esClient, src, ingest.Options{
			Source: *source,
			Mode:   cfg.Mode,
		})
		if err != nil {
			var writeErr *ingest.WriteError
			if errors.As(err, &writeErr) {
				log.Error("run aborted mid-batch",
					slog.String("file", path),
					slog.String("run_id", summary.RunID),
					slog.Int("committed", writeErr.Committed),
					slog.Any("err", err),
				)
			} else {
				log.Error("run failed", slog.String("file", path), slog.Any("err", err))
			}
			os.Exit(1)
		}

		log.Info("file ingested",
			slog.String("file", path),
			slog.String("run_id", summary.RunID),
			slog.Int("total", summary.Total),
			slog.Int("inserted", summary.Inserted),
			slog.Int("updated", summary.Updated),
			slog.Int("skipped", summary.Skipped),
			slog.Int("rejected", summary.Rejected),
		)
		for reason, count := range summary.Reasons {
			log.Warn("rejection reason", slog.String("reason", reason), slog.Int("count", count))
		}
	}

	os.Exit(exitCode)
}
