// Package sheet parses tabular import files (delimited text, XLSX workbooks
// and ZIP bundles of either) into named sheets of string rows.
package sheet

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNoDataRows is returned when a file has no rows below its header.
	ErrNoDataRows = eris.New("sheet: no data rows")
	// ErrUnsupportedFormat is returned for files that are not CSV, XLSX or ZIP.
	ErrUnsupportedFormat = eris.New("sheet: unsupported format")
)

// Format is a recognized container format.
type Format string

const (
	FormatDelimited Format = "delimited"
	FormatXLSX      Format = "xlsx"
	FormatZIP       Format = "zip"
)

// Sheet is one table: normalized headers plus data rows. Rows may be
// shorter than Headers; missing trailing cells are absent.
type Sheet struct {
	Index   int
	Name    string
	Headers []string
	Rows    [][]string
}

// Slice returns at most limit rows starting at offset.
func (s *Sheet) Slice(offset, limit int) [][]string {
	if offset >= len(s.Rows) {
		return nil
	}
	end := len(s.Rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return s.Rows[offset:end]
}

// Workbook is every sheet of a parsed file in file order.
type Workbook struct {
	Format Format
	Sheets []*Sheet
}

// NonEmpty returns the sheets with at least one data row.
func (w *Workbook) NonEmpty() []*Sheet {
	var out []*Sheet
	for _, s := range w.Sheets {
		if len(s.Rows) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// TotalRows sums the data rows of every sheet.
func (w *Workbook) TotalRows() int {
	n := 0
	for _, s := range w.Sheets {
		n += len(s.Rows)
	}
	return n
}

// Sheet returns the sheet at index or nil.
func (w *Workbook) Sheet(index int) *Sheet {
	for _, s := range w.Sheets {
		if s.Index == index {
			return s
		}
	}
	return nil
}

var zipMagic = []byte("PK\x03\x04")

// DetectFormat infers the container format from the name, the declared
// MIME type and the leading bytes. XLSX files are ZIP archives, so the
// name and MIME type decide between the two.
func DetectFormat(name, mimeType string, data []byte) Format {
	ext := strings.ToLower(filepath.Ext(name))
	mt, _, _ := mime.ParseMediaType(mimeType)
	switch {
	case ext == ".xlsx" || mt == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX
	case ext == ".zip" || mt == "application/zip" || mt == "application/x-zip-compressed":
		return FormatZIP
	case ext == ".csv" || ext == ".tsv" || ext == ".txt" || strings.HasPrefix(mt, "text/"):
		return FormatDelimited
	case bytes.HasPrefix(data, zipMagic):
		if bytes.Contains(data[:min(len(data), 4096)], []byte("xl/")) {
			return FormatXLSX
		}
		return FormatZIP
	}
	return FormatDelimited
}

// Parse reads every sheet of a file. mimeType may carry a charset
// parameter for delimited text.
func Parse(ctx context.Context, data []byte, name, mimeType string) (*Workbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "sheet: parse")
	}
	format := DetectFormat(name, mimeType, data)
	wb := &Workbook{Format: format}

	switch format {
	case FormatXLSX:
		sheets, err := ParseXLSX(data)
		if err != nil {
			return nil, err
		}
		wb.Sheets = sheets
	case FormatZIP:
		sheets, err := ParseZIP(ctx, data)
		if err != nil {
			return nil, err
		}
		wb.Sheets = sheets
	default:
		s, err := ParseDelimited(data, charsetOf(mimeType))
		if err != nil {
			return nil, err
		}
		s.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
		wb.Sheets = []*Sheet{s}
	}
	for i, s := range wb.Sheets {
		s.Index = i
	}
	return wb, nil
}

func charsetOf(mimeType string) string {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// NormalizeHeaders trims headers, names blank ones column_N (1-based) and
// suffixes repeats with _2, _3, ...
func NormalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	used := make(map[string]bool, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		name := h
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s_%d", h, n)
		}
		used[name] = true
		out[i] = name
	}
	return out
}

// newSheet splits raw records into headers and data rows, dropping rows
// whose cells are all blank.
func newSheet(name string, records [][]string) *Sheet {
	s := &Sheet{Name: name}
	start := -1
	for i, r := range records {
		if !blank(r) {
			start = i
			break
		}
	}
	if start < 0 {
		return s
	}
	s.Headers = NormalizeHeaders(records[start])
	for _, r := range records[start+1:] {
		if blank(r) {
			continue
		}
		s.Rows = append(s.Rows, trimTrailing(r))
	}
	return s
}

func blank(r []string) bool {
	for _, c := range r {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimTrailing(r []string) []string {
	end := len(r)
	for end > 0 && r[end-1] == "" {
		end--
	}
	return r[:end]
}
