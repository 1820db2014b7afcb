package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Format is the encoding of an input file.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Open returns a file source. An empty format is inferred from the extension.
func Open(path string, format Format) (Source, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			format = FormatCSV
		default:
			format = FormatJSON
		}
	}
	switch format {
	case FormatJSON:
		return &fileSource{path: path, parse: parseJSONArray}, nil
	case FormatCSV:
		return &fileSource{path: path, parse: parseCSV}, nil
	default:
		return nil, fmt.Errorf("unsupported input format %q", format)
	}
}

// fileSource loads the whole file on first use and pages over it by index.
type fileSource struct {
	path  string
	parse func(io.Reader) ([]json.RawMessage, error)

	once  sync.Once
	items []json.RawMessage
	err   error
}

func (s *fileSource) Name() string {
	return s.path
}

func (s *fileSource) FetchBatch(_ context.Context, cursor string, limit int) ([]json.RawMessage, string, error) {
	s.once.Do(func() {
		f, err := os.Open(s.path)
		if err != nil {
			s.err = err
			return
		}
		defer f.Close()
		items, err := s.parse(f)
		if err != nil {
			s.err = fmt.Errorf("%s: %w", s.path, err)
			return
		}
		s.items = items
	})
	if s.err != nil {
		return nil, "", s.err
	}

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	if start >= len(s.items) {
		return []json.RawMessage{}, "", nil
	}

	end := start + limit
	if limit <= 0 || end > len(s.items) {
		end = len(s.items)
	}
	next := ""
	if end < len(s.items) {
		next = strconv.Itoa(end)
	}
	return s.items[start:end], next, nil
}

func parseJSONArray(r io.Reader) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("expected a JSON array: %w", err)
	}
	return items, nil
}

// csvColumn is a header cell. A suffix selects the JSON type of the values:
// "amount:number", "active:bool", "categories:list" (pipe separated). The default is string.
type csvColumn struct {
	name string
	kind string
}

func parseCSV(r io.Reader) ([]json.RawMessage, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header row")
		}
		return nil, err
	}
	cols := make([]csvColumn, len(header))
	for i, h := range header {
		name, kind, _ := strings.Cut(strings.TrimSpace(h), ":")
		cols[i] = csvColumn{name: name, kind: kind}
	}

	var items []json.RawMessage
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		obj := make(map[string]any, len(cols))
		for i, col := range cols {
			if i >= len(record) || record[i] == "" {
				continue
			}
			v, err := col.value(record[i])
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, col.name, err)
			}
			obj[col.name] = v
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	return items, nil
}

func (c csvColumn) value(s string) (any, error) {
	switch c.kind {
	case "", "string":
		return s, nil
	case "number":
		return strconv.ParseFloat(s, 64)
	case "bool":
		return strconv.ParseBool(s)
	case "list":
		return strings.Split(s, "|"), nil
	default:
		return nil, fmt.Errorf("unknown column type %q", c.kind)
	}
}
