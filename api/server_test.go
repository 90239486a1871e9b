package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/kitabhub/book-catalog/internal/config"
	"github.com/kitabhub/book-catalog/internal/elasticsearch"
	"github.com/kitabhub/book-catalog/internal/models"
)

type stubStore struct {
	docs        map[string]models.BookRecord
	unavailable bool
	lastParams  elasticsearch.SearchParams
}

func newStubStore(recs ...models.BookRecord) *stubStore {
	s := &stubStore{docs: make(map[string]models.BookRecord)}
	for _, rec := range recs {
		s.docs[rec.ID] = rec
	}
	return s
}

func (s *stubStore) SearchBooks(_ context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error) {
	if s.unavailable {
		return nil, fmt.Errorf("%w: connection refused", elasticsearch.ErrUnavailable)
	}
	s.lastParams = params

	var items []models.BookRecord
	for _, rec := range s.docs {
		if params.School != "" && rec.School != params.School {
			continue
		}
		if params.Board != "" && rec.Board != params.Board {
			continue
		}
		if params.Category != "" && rec.Category != params.Category {
			continue
		}
		if params.Query != "" {
			q := strings.ToLower(params.Query)
			if !strings.Contains(strings.ToLower(rec.Title), q) &&
				!strings.Contains(strings.ToLower(rec.Author), q) {
				continue
			}
		}
		items = append(items, rec)
	}
	return &elasticsearch.SearchResult{Total: int64(len(items)), Items: items}, nil
}

func (s *stubStore) GetBook(_ context.Context, id string) (models.BookRecord, bool, error) {
	if s.unavailable {
		return models.BookRecord{}, false, fmt.Errorf("%w: connection refused", elasticsearch.ErrUnavailable)
	}
	rec, ok := s.docs[id]
	return rec, ok, nil
}

func (s *stubStore) UpsertBook(_ context.Context, rec models.BookRecord) (bool, error) {
	if s.unavailable {
		return false, fmt.Errorf("%w: connection refused", elasticsearch.ErrUnavailable)
	}
	_, existed := s.docs[rec.ID]
	s.docs[rec.ID] = rec
	return !existed, nil
}

func (s *stubStore) HasBook(_ context.Context, id string) (bool, error) {
	_, ok := s.docs[id]
	return ok, nil
}

func (s *stubStore) Health(_ context.Context) error {
	if s.unavailable {
		return fmt.Errorf("%w: connection refused", elasticsearch.ErrUnavailable)
	}
	return nil
}

func testServer(store *stubStore) *chi.Mux {
	srv := &server{
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg: &config.API{
			DefaultPage: 20,
			MaxPage:     100,
			MaxUploadMB: 8,
			IngestMode:  config.ModeUpsert,
		},
		store: store,
	}
	r := chi.NewRouter()
	r.Get("/", srv.handleRoot)
	r.Get("/health", srv.handleHealth)
	r.Get("/books", srv.handleListBooks)
	r.Get("/books/{id}", srv.handleGetBook)
	r.Post("/ingest", srv.handleIngest)
	return r
}

func book(id, title, school, board string) models.BookRecord {
	return models.BookRecord{ID: id, Title: title, Author: "a", School: school, Board: board, Price: 100}
}

func TestListBooksFiltersBySchool(t *testing.T) {
	store := newStubStore(
		book("1", "Math 9", "lincoln-high", "Sindh Board"),
		book("2", "Urdu 5", "beaconhouse", "Punjab Board"),
		book("3", "Physics 10", "city-school", "Sindh Board"),
	)
	r := testServer(store)

	req := httptest.NewRequest(http.MethodGet, "/books?school=lincoln-high", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var items []models.BookRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "Math 9", items[0].Title)
	require.Equal(t, "1", w.Header().Get("X-Total-Count"))
}

func TestListBooksNoFilterReturnsAll(t *testing.T) {
	store := newStubStore(
		book("1", "Math 9", "lincoln-high", "Sindh Board"),
		book("2", "Urdu 5", "beaconhouse", "Punjab Board"),
		book("3", "Physics 10", "city-school", "Sindh Board"),
	)
	r := testServer(store)

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var items []models.BookRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 3)
	require.Equal(t, "3", w.Header().Get("X-Total-Count"))
}

func TestListBooksHumanReadableSchoolFilter(t *testing.T) {
	store := newStubStore(
		book("1", "Math 9", "lincoln-high", "Sindh Board"),
		book("2", "Urdu 5", "beaconhouse", "Punjab Board"),
		book("3", "Physics 10", "city-school", "Sindh Board"),
	)
	r := testServer(store)

	// Stored school values are normalized at ingestion, so the filter
	// must accept the spreadsheet's original spelling.
	req := httptest.NewRequest(http.MethodGet, "/books?school=Lincoln+High", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var items []models.BookRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "Math 9", items[0].Title)
	require.Equal(t, "lincoln-high", store.lastParams.School)

	// Bare region names gain the Board suffix the records carry.
	req = httptest.NewRequest(http.MethodGet, "/books?board=punjab", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "Urdu 5", items[0].Title)
	require.Equal(t, "Punjab Board", store.lastParams.Board)
}

func TestIngestThenQueryBySchool(t *testing.T) {
	store := newStubStore()
	r := testServer(store)

	csv := "title,author,school,board,price\nMath 9,Khan,Lincoln High,Sindh Board,450\nUrdu 5,Oxford,Beaconhouse,Punjab Board,300\nPhysics 10,Khan,City School,Sindh Board,500\n"
	body, contentType := multipartCSV(t, "books.csv", csv, map[string]string{"source": "katib.pk"})

	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/books?school=Lincoln+High", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var items []models.BookRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "Math 9", items[0].Title)
}

func TestListBooksFreeTextAndCategory(t *testing.T) {
	mathBook := book("1", "Mathematics 9", "lincoln-high", "Sindh Board")
	mathBook.Category = "coursebook"
	novel := book("2", "Stories for Children", "lincoln-high", "Sindh Board")
	novel.Category = "general"
	store := newStubStore(mathBook, novel)
	r := testServer(store)

	req := httptest.NewRequest(http.MethodGet, "/books?q=mathematics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var items []models.BookRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "Mathematics 9", items[0].Title)
	require.Equal(t, "mathematics", store.lastParams.Query)

	req = httptest.NewRequest(http.MethodGet, "/books?category=general", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "Stories for Children", items[0].Title)
	require.Equal(t, "general", store.lastParams.Category)
}

func TestListBooksNoMatchesIsEmptyArray(t *testing.T) {
	r := testServer(newStubStore())

	req := httptest.NewRequest(http.MethodGet, "/books?school=nowhere", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())
}

func TestListBooksCombinesFiltersWithAND(t *testing.T) {
	store := newStubStore(
		book("1", "Math 9", "lincoln-high", "Sindh Board"),
		book("2", "Urdu 5", "lincoln-high", "Punjab Board"),
	)
	r := testServer(store)

	req := httptest.NewRequest(http.MethodGet, "/books?school=lincoln-high&board=Punjab+Board", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var items []models.BookRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "Urdu 5", items[0].Title)
	require.Equal(t, "lincoln-high", store.lastParams.School)
	require.Equal(t, "Punjab Board", store.lastParams.Board)
}

func TestListBooksInvalidPaging(t *testing.T) {
	r := testServer(newStubStore())

	for _, target := range []string{"/books?size=abc", "/books?from=-3", "/books?from=x2"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code, target)

		var body errorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.NotEmpty(t, body.Error)
	}
}

func TestListBooksStoreUnavailable(t *testing.T) {
	store := newStubStore()
	store.unavailable = true
	r := testServer(store)

	req := httptest.NewRequest(http.MethodGet, "/books", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.JSONEq(t, `{"error":"store unavailable"}`, w.Body.String())
}

func TestGetBook(t *testing.T) {
	store := newStubStore(book("abc123", "Math 9", "lincoln-high", "Sindh Board"))
	r := testServer(store)

	req := httptest.NewRequest(http.MethodGet, "/books/abc123", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var rec models.BookRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, "Math 9", rec.Title)

	req = httptest.NewRequest(http.MethodGet, "/books/unknown", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	store := newStubStore()
	r := testServer(store)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	store.unavailable = true
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func multipartCSV(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestIngestUpload(t *testing.T) {
	store := newStubStore()
	r := testServer(store)

	csv := "title,author,school,board,price\nMath 9,Khan,Lincoln High,Sindh Board,450\nUrdu 5,Oxford,Beaconhouse,,300\nPhysics 10,Khan,Lincoln High,Sindh Board,500\n"
	body, contentType := multipartCSV(t, "books.csv", csv, map[string]string{"source": "katib.pk"})

	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var summary struct {
		Total    int `json:"total"`
		Inserted int `json:"inserted"`
		Rejected int `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Inserted)
	require.Equal(t, 1, summary.Rejected)
	require.Len(t, store.docs, 2)
}

func TestIngestMissingFile(t *testing.T) {
	r := testServer(newStubStore())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("source", "katib.pk"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/ingest", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestInvalidMode(t *testing.T) {
	r := testServer(newStubStore())

	body, contentType := multipartCSV(t, "books.csv", "title\n", map[string]string{"mode": "replace"})
	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestStoreFailure(t *testing.T) {
	store := newStubStore()
	store.unavailable = true
	r := testServer(store)

	csv := "title,author,school,board,price\nMath 9,Khan,Lincoln High,Sindh Board,450\n"
	body, contentType := multipartCSV(t, "books.csv", csv, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp struct {
		Error   string `json:"error"`
		Summary struct {
			Inserted int `json:"inserted"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "store write failed", resp.Error)
	require.Equal(t, 0, resp.Summary.Inserted)
}
