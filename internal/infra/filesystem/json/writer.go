package json

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Writer writes artifact files, creating parent directories as needed.
type Writer struct {
	perm os.FileMode
}

func NewWriter() *Writer {
	return &Writer{perm: 0o644}
}

// WriteJSON writes data as indented JSON followed by a newline.
func (w *Writer) WriteJSON(path string, data any) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON for %s: %w", path, err)
	}

	return w.WriteBytes(path, append(content, '\n'))
}

// WriteBytes writes raw bytes to path.
func (w *Writer) WriteBytes(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	if err := os.WriteFile(path, data, w.perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
