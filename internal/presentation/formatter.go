package presentation

import (
	"encoding/json"
	"io"
)

// Formatter handles JSON output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatTree formats a tree as JSON
func (f *Formatter) FormatTree(root NodeDTO) error {
	return f.encode(root)
}

// FormatRuns formats a list of runs as JSON
func (f *Formatter) FormatRuns(runs []RunDTO) error {
	return f.encode(runs)
}

// FormatResult writes one result as a single JSON line, for streaming
func (f *Formatter) FormatResult(r ResultDTO) error {
	return json.NewEncoder(f.writer).Encode(r)
}

// FormatResults formats a list of results as JSON
func (f *Formatter) FormatResults(results []ResultDTO) error {
	return f.encode(results)
}

func (f *Formatter) encode(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
