package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kitabhub/book-catalog/internal/config"
	"github.com/kitabhub/book-catalog/internal/elasticsearch"
	"github.com/kitabhub/book-catalog/internal/ingest"
	"github.com/kitabhub/book-catalog/internal/models"
	"github.com/kitabhub/book-catalog/internal/schema"
	"github.com/kitabhub/book-catalog/internal/spreadsheet"
)

// maxFilterLen bounds school/board query values; anything longer is a
// malformed filter, not a plausible name.
const maxFilterLen = 200

// bookStore is the slice of the Elasticsearch client the handlers use.
type bookStore interface {
	SearchBooks(ctx context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error)
	GetBook(ctx context.Context, id string) (models.BookRecord, bool, error)
	UpsertBook(ctx context.Context, rec models.BookRecord) (bool, error)
	HasBook(ctx context.Context, id string) (bool, error)
	Health(ctx context.Context) error
}

type server struct {
	log   *slog.Logger
	cfg   *config.API
	store bookStore
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "book-catalog",
		"endpoints": []string{
			"GET /books?q=&school=&board=&category=&from=&size=",
			"GET /books/{id}",
			"POST /ingest",
			"GET /health",
		},
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	school := strings.TrimSpace(r.URL.Query().Get("school"))
	board := strings.TrimSpace(r.URL.Query().Get("board"))
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	category := strings.TrimSpace(r.URL.Query().Get("category"))

	for name, value := range map[string]string{
		"q": query, "school": school, "board": board, "source": source, "category": category,
	} {
		if len(value) > maxFilterLen {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("%s filter too long", name)})
			return
		}
	}

	// Stored records carry normalized school/board values, so callers may
	// use the human-readable forms ("Lincoln High", "punjab") and still
	// hit the keyword fields exactly.
	school = schema.NormalizeSchool(school)
	board = schema.NormalizeBoard(board, "")

	from, err := parsePage(r.URL.Query().Get("from"), 0, 10_000)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from parameter"})
		return
	}
	size, err := parsePage(r.URL.Query().Get("size"), s.cfg.DefaultPage, s.cfg.MaxPage)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid size parameter"})
		return
	}

	result, err := s.store.SearchBooks(ctx, elasticsearch.SearchParams{
		Query:    query,
		School:   school,
		Board:    board,
		Source:   source,
		Category: category,
		From:     from,
		Size:     size,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	items := result.Items
	if items == nil {
		items = []models.BookRecord{}
	}

	w.Header().Set("X-Total-Count", strconv.FormatInt(result.Total, 10))
	writeJSON(w, http.StatusOK, items)
}

func (s *server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid book id"})
		return
	}

	rec, found, err := s.store.GetBook(ctx, id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "book not found"})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleIngest accepts a multipart spreadsheet upload and runs the
// ingestion pipeline on it synchronously, returning the run summary.
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed multipart request"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file field is required"})
		return
	}
	defer file.Close()

	source := strings.TrimSpace(r.FormValue("source"))
	if source == "" {
		source = "upload"
	}

	mode := strings.TrimSpace(r.FormValue("mode"))
	if mode == "" {
		mode = s.cfg.IngestMode
	}
	if mode != config.ModeUpsert && mode != config.ModeSkip {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid mode parameter"})
		return
	}

	// spreadsheet.Open works on paths, so spool the upload to a temp
	// file, keeping the extension for format detection.
	tmp, err := os.CreateTemp("", "ingest-*"+filepath.Ext(header.Filename))
	if err != nil {
		s.log.Error("create temp file", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		s.log.Error("spool upload", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	tmp.Close()

	src, err := spreadsheet.Open(tmp.Name())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable spreadsheet"})
		return
	}

	summary, err := ingest.Run(r.Context(), s.log, s.store, src, ingest.Options{
		Source: source,
		Mode:   mode,
	})
	if err != nil {
		s.log.Error("ingestion run aborted",
			slog.Any("err", err),
			slog.String("run_id", summary.RunID),
			slog.Int("committed", summary.Inserted+summary.Updated),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "store write failed",
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, elasticsearch.ErrUnavailable) {
		s.log.Warn("store unavailable", slog.Any("err", err), slog.String("path", r.URL.Path))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		return
	}
	s.log.Error("store query failed", slog.Any("err", err), slog.String("path", r.URL.Path))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// parsePage parses an optional non-negative integer query parameter.
// Empty means fallback; junk is the caller's error. Values above max are
// clamped, not rejected.
func parsePage(raw string, fallback, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, fmt.Errorf("negative value")
	}
	if value > max {
		return max, nil
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// nothing better to do
	}
}
