// Package csvsource reads marker tables from plain, gzip or zstd compressed
// CSV files.
package csvsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/markerview/server/internal/dataset"
)

// Compression of a source file.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

// ErrEmpty is returned for a file without a header row.
var ErrEmpty = errors.New("csv has no header")

// Progress is called every progressEvery rows with the number read so far.
type Progress func(rows int)

const progressEvery = 10000

// Table is a parsed CSV file.
type Table struct {
	Columns []string
	Rows    []dataset.Row
	// Short counts records whose field count did not match the header; missing
	// cells read as empty.
	Short int
}

// DetectCompression picks the codec from the file extension.
func DetectCompression(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	default:
		return None
	}
}

// Delimiter picks the field separator from the file name: tab for .tsv, comma otherwise.
func Delimiter(path string) rune {
	base := strings.ToLower(path)
	for _, ext := range []string{".gz", ".gzip", ".zst", ".zstd"} {
		base = strings.TrimSuffix(base, ext)
	}
	if strings.HasSuffix(base, ".tsv") {
		return '\t'
	}
	return ','
}

// ReadFile opens path, decompressing by extension, and parses it.
func ReadFile(ctx context.Context, path string, progress Progress) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	t, err := Read(ctx, f, DetectCompression(path), Delimiter(path), progress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Read decompresses r and parses it as a header row followed by records.
// It stops with ctx.Err() when ctx is cancelled.
func Read(ctx context.Context, r io.Reader, c Compression, delim rune, progress Progress) (*Table, error) {
	switch c {
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	t := &Table{Columns: make([]string, len(header))}
	for i, h := range header {
		t.Columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", len(t.Rows)+1, err)
		}
		if len(rec) != len(t.Columns) {
			t.Short++
		}
		row := make(dataset.Row, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		t.Rows = append(t.Rows, row)

		if len(t.Rows)%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if progress != nil {
				progress(len(t.Rows))
			}
		}
	}
	if progress != nil {
		progress(len(t.Rows))
	}
	return t, ctx.Err()
}
