package sync

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/brandon/email-archiver/pkg/types"
)

// MetadataEntry is one line of the append-only JSONL side channel consumed
// by external reporting tools.
type MetadataEntry struct {
	MessageID      string                `json:"message_id"`
	Subject        string                `json:"subject"`
	From           string                `json:"from"`
	Date           string                `json:"date"`
	FilePath       string                `json:"file_path"`
	Classification *types.Classification `json:"classification,omitempty"`
	Extraction     *types.Extraction     `json:"extraction,omitempty"`
}

// MetadataWriter appends entries to a line-delimited JSON log
type MetadataWriter struct {
	file *os.File
}

// OpenMetadata opens (or creates) the metadata log for appending
func OpenMetadata(path string) (*MetadataWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata log: %w", err)
	}
	return &MetadataWriter{file: f}, nil
}

// Write appends one entry as a single JSON line
func (w *MetadataWriter) Write(entry MetadataEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata entry: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write metadata entry: %w", err)
	}
	return nil
}

// Close closes the underlying log file
func (w *MetadataWriter) Close() error {
	return w.file.Close()
}
