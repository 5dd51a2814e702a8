package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aluiziolira/go-scrape-inventory/models"
)

// CSVWriter writes snapshots as CSV. The header is name, id and category
// followed by every other key in sorted order.
type CSVWriter struct {
	path string
	mu   sync.Mutex
}

// NewCSVWriter prepares a CSV writer for filename.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	return &CSVWriter{path: filename}, nil
}

// Write replaces the CSV file with products.
func (cw *CSVWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	records := make([]map[string]string, 0, len(products))
	extra := make(map[string]struct{})
	for _, product := range products {
		record := product.Record()
		for k := range record {
			extra[k] = struct{}{}
		}
		records = append(records, record)
	}

	header := []string{models.KeyName, models.KeyID, models.KeyCategory}
	for _, k := range header {
		delete(extra, k)
	}
	rest := make([]string, 0, len(extra))
	for k := range extra {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	header = append(header, rest...)

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(header))
	for _, record := range records {
		for i, k := range header {
			row[i] = record[k]
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}

	if err := writeAtomic(cw.path, buf.Bytes()); err != nil {
		return fmt.Errorf("save csv: %w", err)
	}
	return nil
}

// Close is a no-op; every Write leaves a complete file behind.
func (cw *CSVWriter) Close() error {
	return nil
}

// Validate ensures a snapshot was written and has content.
func (cw *CSVWriter) Validate() error {
	return validateFile(cw.path, "csv")
}

// JSONWriter writes snapshots as an indented JSON array of flat records.
type JSONWriter struct {
	path string
	mu   sync.Mutex
}

// NewJSONWriter prepares a JSON writer for filename.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	return &JSONWriter{path: filename}, nil
}

// Write replaces the JSON file with products.
func (jw *JSONWriter) Write(products []*models.Product) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if products == nil {
		products = []*models.Product{}
	}
	data, err := json.MarshalIndent(products, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json records: %w", err)
	}
	if err := writeAtomic(jw.path, append(data, '\n')); err != nil {
		return fmt.Errorf("save json: %w", err)
	}
	return nil
}

// Close is a no-op; every Write leaves a complete file behind.
func (jw *JSONWriter) Close() error {
	return nil
}

// Validate ensures a snapshot was written and has content.
func (jw *JSONWriter) Validate() error {
	return validateFile(jw.path, "json")
}

// writeAtomic replaces path with data through a temp file and rename, so a
// crash mid-write leaves the previous snapshot intact.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func validateFile(path, kind string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s file: %w", kind, err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("%s file is empty", kind)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
