package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kitabhub/book-catalog/internal/config"
	"github.com/kitabhub/book-catalog/internal/dedupe"
	"github.com/kitabhub/book-catalog/internal/elasticsearch"
	"github.com/kitabhub/book-catalog/internal/logger"
	"github.com/kitabhub/book-catalog/internal/models"
	"github.com/kitabhub/book-catalog/internal/schema"
)

// rawBook is one supplier feed message. Suppliers export straight from
// their spreadsheets, so price may arrive as a number or a string.
type rawBook struct {
	Title     string      `json:"title"`
	Author    string      `json:"author"`
	School    string      `json:"school"`
	Board     string      `json:"board"`
	Price     looseString `json:"price"`
	Publisher string      `json:"publisher"`
	Class     string      `json:"class"`
	SKU       string      `json:"sku"`
	Category  string      `json:"category"`
	ImageURL  string      `json:"image_url"`
	Source    string      `json:"source"`
}

// looseString accepts both JSON strings and JSON numbers.
type looseString string

func (l *looseString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = looseString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*l = looseString(n.String())
	return nil
}

func (p rawBook) row() schema.Row {
	return schema.Row{
		"title":     p.Title,
		"author":    p.Author,
		"school":    p.School,
		"board":     p.Board,
		"price":     string(p.Price),
		"publisher": p.Publisher,
		"class":     p.Class,
		"sku":       p.SKU,
		"category":  p.Category,
		"image_url": p.ImageURL,
	}
}

type bookUpserter interface {
	UpsertBook(ctx context.Context, rec models.BookRecord) (bool, error)
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	cache := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := esClient.EnsureIndex(ensureCtx); err != nil {
		log.Warn("ensure index (store may still be starting)", slog.Any("err", err))
	}
	cancel()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		QueueCapacity:  cfg.BatchSize,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // Disable auto-commit; manual commit only
	})
	defer reader.Close()

	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic + "_dlq",
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := processMessage(ctx, log, esClient, cache, msg); err != nil {
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)

			dlqMsg := kafka.Message{
				Value: msg.Value,
				Headers: append(msg.Headers,
					kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
					kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
					kafka.Header{Key: "error", Value: []byte(err.Error())},
					kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
				),
			}

			// Retry DLQ write with exponential backoff.
			dlqSuccess := false
			for attempt := range 5 {
				if dlqErr := dlqWriter.WriteMessages(ctx, dlqMsg); dlqErr == nil {
					dlqSuccess = true
					log.Info("message sent to DLQ",
						slog.Int("partition", msg.Partition),
						slog.Int64("offset", msg.Offset),
						slog.Int("attempt", attempt+1),
					)
					break
				} else {
					backoff := time.Duration(1<<uint(attempt)) * time.Second
					log.Warn("DLQ write failed, retrying",
						slog.Any("err", dlqErr),
						slog.Int("attempt", attempt+1),
						slog.Duration("backoff", backoff),
					)
					select {
					case <-time.After(backoff):
					case <-ctx.Done():
						log.Info("context canceled during DLQ retry")
						return
					}
				}
			}

			// Only commit if the DLQ write succeeded; otherwise the
			// message is reprocessed on restart.
			if dlqSuccess {
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Error("commit failed message to dlq", slog.Any("err", err))
				}
			} else {
				log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
			}
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

func processMessage(ctx context.Context, log *slog.Logger, store bookUpserter, cache *dedupe.Cache, msg kafka.Message) error {
	var payload rawBook
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	rec, err := schema.Clean(payload.row())
	if err != nil {
		return fmt.Errorf("clean row: %w", err)
	}

	source := strings.TrimSpace(payload.Source)
	if source == "" {
		source = "unknown"
	}
	rec.Source = source

	// Fingerprint before stamping the timestamp so an unchanged row
	// hashes identically across deliveries.
	fp := fingerprint(rec)
	if cache.Seen(rec.ID, fp) {
		log.Debug("duplicate row", slog.String("id", rec.ID))
		return nil
	}

	rec.LastUpdated = time.Now().UTC()

	if _, err := store.UpsertBook(ctx, rec); err != nil {
		return err
	}

	cache.Mark(rec.ID, fp)
	log.Info("upserted book",
		slog.String("id", rec.ID),
		slog.String("title", rec.Title),
		slog.String("source", rec.Source),
	)
	return nil
}

func fingerprint(rec models.BookRecord) string {
	payload, err := json.Marshal(rec)
	if err != nil {
		return rec.ID
	}
	s := sha1.Sum(payload)
	return hex.EncodeToString(s[:])
}
