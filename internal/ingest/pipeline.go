// Package ingest runs spreadsheet rows through cleaning and into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kitabhub/book-catalog/internal/config"
	"github.com/kitabhub/book-catalog/internal/models"
	"github.com/kitabhub/book-catalog/internal/schema"
)

// Store is the slice of the document store the pipeline needs.
type Store interface {
	UpsertBook(ctx context.Context, rec models.BookRecord) (created bool, err error)
	HasBook(ctx context.Context, id string) (bool, error)
}

// RowSource produces raw rows; see spreadsheet.Source.
type RowSource interface {
	Rows() iter.Seq2[schema.Row, error]
}

// Options tune a single ingestion run.
type Options struct {
	// Source names the supplier the rows came from and is stamped on
	// every record.
	Source string
	// Mode selects the duplicate policy: config.ModeUpsert overwrites
	// records that share a natural key, config.ModeSkip leaves them alone.
	Mode string
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Summary reports the outcome of an ingestion run. It is produced even
// when the run aborts partway through.
type Summary struct {
	RunID    string         `json:"run_id"`
	Source   string         `json:"source,omitempty"`
	Total    int            `json:"total"`
	Inserted int            `json:"inserted"`
	Updated  int            `json:"updated"`
	Skipped  int            `json:"skipped,omitempty"`
	Rejected int            `json:"rejected"`
	Reasons  map[string]int `json:"reasons,omitempty"`
}

// WriteError wraps a store failure that aborted a run. Committed counts
// the records written before the failure; they stay committed, so an
// operator can resume rather than start over.
type WriteError struct {
	Committed int
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store write failed after %d committed records: %v", e.Committed, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Run cleans every row from src and writes the valid ones into the store.
// A rejected row is counted and skipped; a store failure aborts the rest
// of the batch. The returned Summary is never nil.
func Run(ctx context.Context, log *slog.Logger, store Store, src RowSource, opts Options) (*Summary, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	mode := opts.Mode
	if mode == "" {
		mode = config.ModeUpsert
	}

	summary := &Summary{
		RunID:   uuid.NewString(),
		Source:  opts.Source,
		Reasons: make(map[string]int),
	}

	for row, err := range src.Rows() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return summary, &WriteError{Committed: summary.Inserted + summary.Updated, Err: ctxErr}
		}

		summary.Total++

		if err != nil {
			summary.Rejected++
			summary.Reasons["unreadable"]++
			log.Warn("unreadable row", slog.Any("err", err))
			continue
		}

		rec, err := schema.Clean(row)
		if err != nil {
			var rejected *schema.RejectError
			reason := "invalid"
			if errors.As(err, &rejected) {
				reason = rejected.Field
			}
			summary.Rejected++
			summary.Reasons[reason]++
			log.Warn("rejected row", slog.Any("err", err))
			continue
		}

		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.Source = opts.Source
		rec.LastUpdated = now().UTC()

		if mode == config.ModeSkip {
			exists, err := store.HasBook(ctx, rec.ID)
			if err != nil {
				return summary, &WriteError{Committed: summary.Inserted + summary.Updated, Err: err}
			}
			if exists {
				summary.Skipped++
				continue
			}
		}

		created, err := store.UpsertBook(ctx, rec)
		if err != nil {
			return summary, &WriteError{Committed: summary.Inserted + summary.Updated, Err: err}
		}

		if created {
			summary.Inserted++
		} else {
			summary.Updated++
		}
	}

	log.Info("ingestion run finished",
		slog.String("run_id", summary.RunID),
		slog.String("source", summary.Source),
		slog.Int("total", summary.Total),
		slog.Int("inserted", summary.Inserted),
		slog.Int("updated", summary.Updated),
		slog.Int("skipped", summary.Skipped),
		slog.Int("rejected", summary.Rejected),
	)

	return summary, nil
}
