// Package schema validates and normalizes raw catalog rows into BookRecords.
package schema

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kitabhub/book-catalog/internal/models"
)

// Row is one raw spreadsheet or feed row: lower-cased column name -> raw value.
type Row map[string]string

var (
	whitespace = regexp.MustCompile(`\s+`)
	priceToken = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
)

// Column aliases observed across supplier exports. The first populated
// alias wins.
var (
	titleColumns  = []string{"title", "book name", "book_name"}
	authorColumns = []string{"author", "publisher"}
	imageColumns  = []string{"image url", "image_url", "image"}
)

// Boards inferred from the title when the board column is missing or "N/A".
var boardKeywords = []string{"Sindh", "Punjab", "Federal", "Cambridge"}

// RejectError explains why a row cannot become a BookRecord.
type RejectError struct {
	Field  string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected row: %s: %s", e.Field, e.Reason)
}

func reject(field, reason string) error {
	return &RejectError{Field: field, Reason: reason}
}

// Clean validates a raw row and produces a normalized BookRecord.
// It is pure: no side effects, no store access. A failed row comes back
// as a *RejectError so callers can count and skip it.
func Clean(row Row) (models.BookRecord, error) {
	title := Collapse(lookup(row, titleColumns...))
	if title == "" || isNA(title) {
		return models.BookRecord{}, reject("title", "missing or empty")
	}

	author := Collapse(lookup(row, authorColumns...))
	if author == "" || isNA(author) {
		return models.BookRecord{}, reject("author", "missing or empty")
	}

	school := NormalizeSchool(row["school"])
	if school == "" {
		return models.BookRecord{}, reject("school", "missing or empty")
	}

	board := NormalizeBoard(row["board"], title)
	if board == "" {
		return models.BookRecord{}, reject("board", "missing or empty")
	}

	price, err := ParsePrice(row["price"])
	if err != nil {
		return models.BookRecord{}, reject("price", err.Error())
	}

	rec := models.BookRecord{
		ID:        RecordID(title, school, board),
		Title:     title,
		Author:    author,
		School:    school,
		Board:     board,
		Price:     price,
		Publisher: Collapse(row["publisher"]),
		Class:     Collapse(row["class"]),
		SKU:       Collapse(row["sku"]),
		Category:  Collapse(lookup(row, "category", "sub category", "sub_category")),
		ImageURL:  strings.TrimSpace(lookup(row, imageColumns...)),
	}
	if isNA(rec.SKU) {
		rec.SKU = ""
	}
	if isNA(rec.Category) {
		rec.Category = ""
	}

	return rec, nil
}

// RecordID hashes the natural key into a deterministic document ID.
// The store's document _id equals it, so re-ingesting the same book
// overwrites in place instead of duplicating.
func RecordID(title, school, board string) string {
	s := sha1.Sum([]byte(title + "|" + school + "|" + board))
	return hex.EncodeToString(s[:])
}

// Collapse squeezes internal whitespace and trims the edges.
func Collapse(input string) string {
	if input == "" {
		return ""
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
}

// NormalizeSchool lower-cases a school name and joins it with dashes,
// matching the tag form the supplier catalogs use ("City School" ->
// "city-school"). Returns "" for missing or N/A values.
func NormalizeSchool(raw string) string {
	school := strings.ToLower(Collapse(raw))
	if school == "" || isNA(school) {
		return ""
	}
	return strings.ReplaceAll(school, " ", "-")
}

// NormalizeBoard cleans a board name, falling back to keyword inference
// from the title when the column is absent. Bare region names gain the
// "Board" suffix ("sindh" -> "Sindh Board").
func NormalizeBoard(raw, title string) string {
	board := Collapse(raw)
	if board == "" || isNA(board) {
		for _, kw := range boardKeywords {
			if strings.Contains(title, kw) {
				return kw + " Board"
			}
		}
		return ""
	}

	if !strings.Contains(strings.ToLower(board), "board") {
		board += " Board"
	}
	return titleCase(board)
}

// ParsePrice accepts plain numbers plus the decorated forms supplier
// sheets contain ("Rs. 1,200", "1200.50 PKR").
func ParsePrice(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || isNA(trimmed) {
		return 0, fmt.Errorf("missing or empty")
	}
	token := priceToken.FindString(trimmed)
	if token == "" {
		return 0, fmt.Errorf("malformed value %q", trimmed)
	}
	price, err := strconv.ParseFloat(strings.ReplaceAll(token, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed value %q", trimmed)
	}
	if price < 0 {
		return 0, fmt.Errorf("negative value %q", trimmed)
	}
	return price, nil
}

func lookup(row Row, columns ...string) string {
	for _, col := range columns {
		if v := strings.TrimSpace(row[col]); v != "" && !isNA(v) {
			return v
		}
	}
	return ""
}

func isNA(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "n/a", "na", "none", "null", "-":
		return true
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		if len(r) > 0 {
			r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
