// Package spreadsheet turns supplier export files into streams of raw rows.
package spreadsheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kitabhub/book-catalog/internal/schema"
)

// ErrUnreadable marks a source file that cannot be opened or parsed at
// all. Ingestion treats it as fatal for the run.
var ErrUnreadable = errors.New("source unreadable")

const (
	formatCSV  = "csv"
	formatXLSX = "xlsx"
)

// Source is a lazy, restartable sequence of rows over a spreadsheet file.
// Every Rows call re-opens the file and streams from the top.
type Source struct {
	path    string
	format  string
	headers []string
}

// Open validates that path points to a readable CSV or XLSX file with a
// header row and returns a Source over it. The format is picked from the
// file extension.
func Open(path string) (*Source, error) {
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		format = formatCSV
	case ".xlsx", ".xlsm":
		format = formatXLSX
	default:
		return nil, fmt.Errorf("%w: %s: unsupported extension", ErrUnreadable, path)
	}

	s := &Source{path: path, format: format}

	headers, err := s.readHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: %s: empty header row", ErrUnreadable, path)
	}
	s.headers = headers

	return s, nil
}

// Headers returns the normalized column names of the source.
func (s *Source) Headers() []string {
	return s.headers
}

// Rows returns a fresh iterator over the data rows. Row values are keyed
// by normalized header name. A yielded non-nil error describes a single
// unreadable row; the iterator keeps going where the underlying reader
// allows it.
func (s *Source) Rows() iter.Seq2[schema.Row, error] {
	if s.format == formatCSV {
		return s.csvRows()
	}
	return s.xlsxRows()
}

func (s *Source) readHeader() ([]string, error) {
	if s.format == formatCSV {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		record, err := r.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		return normalizeHeaders(record), nil
	}

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet, err := firstSheet(f)
	if err != nil {
		return nil, err
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("sheet %q has no header row", sheet)
	}
	record, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return normalizeHeaders(record), nil
}

func (s *Source) csvRows() iter.Seq2[schema.Row, error] {
	return func(yield func(schema.Row, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1

		// Skip the header row.
		if _, err := r.Read(); err != nil {
			yield(nil, fmt.Errorf("read header: %w", err))
			return
		}

		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(s.mapRow(record), nil) {
				return
			}
		}
	}
}

func (s *Source) xlsxRows() iter.Seq2[schema.Row, error] {
	return func(yield func(schema.Row, error) bool) {
		f, err := excelize.OpenFile(s.path)
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()

		sheet, err := firstSheet(f)
		if err != nil {
			yield(nil, err)
			return
		}

		rows, err := f.Rows(sheet)
		if err != nil {
			yield(nil, fmt.Errorf("read sheet %q: %w", sheet, err))
			return
		}
		defer rows.Close()

		// Advance past the header row without parsing it; Open already
		// validated it. Parsing here could mistake the first data row
		// for the header if the header cells fail to read.
		if !rows.Next() {
			return
		}

		for rows.Next() {
			record, err := rows.Columns()
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if isEmptyRecord(record) {
				continue
			}
			if !yield(s.mapRow(record), nil) {
				return
			}
		}
		if err := rows.Error(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *Source) mapRow(record []string) schema.Row {
	row := make(schema.Row, len(s.headers))
	for i, header := range s.headers {
		if header == "" || i >= len(record) {
			continue
		}
		row[header] = record[i]
	}
	return row
}

func normalizeHeaders(record []string) []string {
	headers := make([]string, len(record))
	for i, h := range record {
		headers[i] = strings.ToLower(schema.Collapse(h))
	}
	// A file whose first row is entirely blank has no usable header.
	for _, h := range headers {
		if h != "" {
			return headers
		}
	}
	return nil
}

func firstSheet(f *excelize.File) (string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("workbook has no sheets")
	}
	return sheets[0], nil
}

func isEmptyRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
