// Package ingest reads newline-delimited JSON event records from a producer
// file and validates/normalizes them before they enter the spool.
package ingest

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// maxLineBytes bounds a single NDJSON line; anything larger than the
// delivery payload ceiling would be rejected downstream anyway.
const maxLineBytes = 1 << 20

// Record is one parsed event object.
type Record map[string]interface{}

// LineError reports a malformed source line by number.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ReadFile streams the NDJSON source at path, invoking fn for each record.
// Blank lines and '#'-prefixed comment lines are skipped. A line that is not
// valid JSON stops the stream with a LineError naming the offending line;
// errors returned by fn also stop the stream. Restarting means re-reading
// the file.
func ReadFile(path string, fn func(line int, rec Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ingest: open source: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return &LineError{Line: lineNo, Err: fmt.Errorf("malformed JSON: %w", err)}
		}
		if err := fn(lineNo, rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ingest: read source: %w", err)
	}
	return nil
}
