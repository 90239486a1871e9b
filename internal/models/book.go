package models

import "time"

// BookRecord represents the canonical structure stored in Elasticsearch.
// School and Board are the only fields the query layer filters on; the
// remaining attributes are descriptive and opaque to query logic.
type BookRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	School      string    `json:"school"`
	Board       string    `json:"board"`
	Price       float64   `json:"price"`
	Publisher   string    `json:"publisher,omitempty"`
	Class       string    `json:"class,omitempty"`
	SKU         string    `json:"sku,omitempty"`
	Category    string    `json:"category,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Source      string    `json:"source,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}
