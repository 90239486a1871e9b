package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/kitabhub/book-catalog/internal/models"
)

// ErrUnavailable marks errors caused by the store being unreachable, as
// opposed to a bad request or a malformed document. Callers translate it
// into a 503.
var ErrUnavailable = errors.New("elasticsearch unavailable")

// Client wraps go-elasticsearch with helpers tailored to the book catalog.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// SearchParams narrow the catalog query. Zero-value fields mean "no
// constraint"; School, Board, Source and Category are exact matches
// combined with AND, Query is free text over title and author.
type SearchParams struct {
	Query    string
	School   string
	Board    string
	Source   string
	Category string
	From     int
	Size     int
	Sort     string
}

// SearchResult bundles hits and total count.
type SearchResult struct {
	Total int64
	Items []models.BookRecord
}

// New instantiates the Elasticsearch client.
func New(addr, index string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger}, nil
}

// indexMapping keeps id/school/board/source as keywords so exact-match
// filters and id sorting behave deterministically.
const indexMapping = `{
  "mappings": {
    "properties": {
      "id":           {"type": "keyword"},
      "title":        {"type": "text"},
      "author":       {"type": "text"},
      "school":       {"type": "keyword"},
      "board":        {"type": "keyword"},
      "price":        {"type": "double"},
      "publisher":    {"type": "keyword"},
      "class":        {"type": "keyword"},
      "sku":          {"type": "keyword"},
      "category":     {"type": "keyword"},
      "image_url":    {"type": "keyword", "index": false},
      "source":       {"type": "keyword"},
      "last_updated": {"type": "date"}
    }
  }
}`

// EnsureIndex creates the catalog index with its mapping if it does not
// exist yet. Safe to call on every startup.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists(
		[]string{c.index},
		c.es.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: check index: %v", ErrUnavailable, err)
	}
	res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("check index %q: unexpected status %s", c.index, res.Status())
	}

	create, err := c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("%w: create index: %v", ErrUnavailable, err)
	}
	defer create.Body.Close()

	if create.IsError() {
		body, _ := io.ReadAll(create.Body)
		// A concurrent starter may have won the race; that is fine.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index %q failed: %s", c.index, strings.TrimSpace(string(body)))
	}

	c.log.Info("created index", slog.String("index", c.index))
	return nil
}

// UpsertBook writes a record keyed by its natural-key ID. Returns whether
// the document was created (true) or an existing one was overwritten.
func (c *Client) UpsertBook(ctx context.Context, rec models.BookRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: rec.ID,
		Body:       bytes.NewReader(payload),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return false, fmt.Errorf("%w: upsert record: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return false, fmt.Errorf("upsert record failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("decode upsert response: %w", err)
	}

	return parsed.Result == "created", nil
}

// HasBook reports whether a document with the given ID exists.
func (c *Client) HasBook(ctx context.Context, id string) (bool, error) {
	req := esapi.ExistsRequest{Index: c.index, DocumentID: id}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return false, fmt.Errorf("%w: check record: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("check record %q: unexpected status %s", id, res.Status())
}

// GetBook fetches a single record by ID. The second return value is false
// when the document does not exist.
func (c *Client) GetBook(ctx context.Context, id string) (models.BookRecord, bool, error) {
	req := esapi.GetRequest{Index: c.index, DocumentID: id}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return models.BookRecord{}, false, fmt.Errorf("%w: get record: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return models.BookRecord{}, false, nil
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return models.BookRecord{}, false, fmt.Errorf("get record failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Source models.BookRecord `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return models.BookRecord{}, false, fmt.Errorf("decode get response: %w", err)
	}

	return parsed.Source, true, nil
}

// SearchBooks executes a bool query: optional free text over title and
// author plus exact-match filters on school, board, source and category.
// Filters are ANDed; no constraints means match_all. An empty result is
// success, not an error.
func (c *Client) SearchBooks(ctx context.Context, params SearchParams) (*SearchResult, error) {
	if params.Size <= 0 {
		params.Size = 20
	}
	if params.Size > 200 {
		params.Size = 200
	}
	if params.From < 0 {
		params.From = 0
	}

	must := make([]map[string]any, 0, 1)
	filters := make([]map[string]any, 0, 4)

	if params.Query != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  params.Query,
				"fields": []string{"title^2", "author"},
			},
		})
	}

	if params.School != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"school": params.School},
		})
	}
	if params.Board != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"board": params.Board},
		})
	}
	if params.Source != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"source": params.Source},
		})
	}
	if params.Category != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"category": params.Category},
		})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	if len(must) == 0 && len(filters) == 0 {
		boolQuery["must"] = []map[string]any{
			{"match_all": map[string]any{}},
		}
	}

	body := map[string]any{
		"from":             params.From,
		"size":             params.Size,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": boolQuery,
		},
	}

	// Pure filters carry no relevance score, so default to the id keyword
	// for reproducible ordering.
	sortField := params.Sort
	if sortField == "" {
		sortField = "id:asc"
	}

	parts := strings.Split(sortField, ":")
	order := "asc"
	field := parts[0]
	if field == "" {
		field = "id"
	}
	if len(parts) > 1 && parts[1] != "" {
		order = parts[1]
	}
	body["sort"] = []map[string]any{
		{field: map[string]any{"order": order}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		if res.StatusCode == http.StatusServiceUnavailable || res.StatusCode == http.StatusBadGateway {
			return nil, fmt.Errorf("%w: search: %s", ErrUnavailable, res.Status())
		}
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.BookRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.BookRecord, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	return &SearchResult{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}

// DeleteStale removes records whose last_updated is older than maxAge
// using batched delete-by-query. It loops until a batch deletes fewer
// documents than batchSize.
func (c *Client) DeleteStale(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	totalDeleted := int64(0)

	for {
		body := map[string]any{
			"query": map[string]any{
				"range": map[string]any{
					"last_updated": map[string]any{
						"lte": cutoff,
					},
				},
			},
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return totalDeleted, fmt.Errorf("marshal delete body: %w", err)
		}

		res, err := c.es.DeleteByQuery(
			[]string{c.index},
			bytes.NewReader(payload),
			c.es.DeleteByQuery.WithContext(ctx),
			c.es.DeleteByQuery.WithWaitForCompletion(true),
			c.es.DeleteByQuery.WithConflicts("proceed"),
			c.es.DeleteByQuery.WithScrollSize(batchSize),
		)
		if err != nil {
			return totalDeleted, fmt.Errorf("%w: delete by query: %v", ErrUnavailable, err)
		}

		if res.IsError() {
			data, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return totalDeleted, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			res.Body.Close()
			return totalDeleted, fmt.Errorf("decode delete response: %w", err)
		}
		res.Body.Close()

		totalDeleted += parsed.Deleted

		if parsed.Deleted < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: ping: %s", ErrUnavailable, res.Status())
	}

	return nil
}

// Health pings the cluster to ensure connectivity.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: cluster health: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%w: cluster health: %s", ErrUnavailable, strings.TrimSpace(string(data)))
	}
	return nil
}
