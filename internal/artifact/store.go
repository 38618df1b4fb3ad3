// Package artifact persists the result files produced by completed report
// operations. The store is a plain directory tree keyed by ticket id; the
// hash recorded at save time lets callers verify downloads end to end.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact describes one stored result file.
type Artifact struct {
	TicketID string `json:"ticket_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
	FileHash string `json:"file_hash"` // sha256 hex
	Path     string `json:"path"`
}

// Store writes artifacts under a base directory, one subdirectory per ticket.
type Store struct {
	baseDir string
	now     func() time.Time
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("artifact: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir, now: time.Now}, nil
}

// Save persists the bytes under the ticket's directory and returns metadata
// including the content hash.
func (s *Store) Save(ticketID, fileName string, data []byte) (Artifact, error) {
	name := sanitizeName(fileName)
	if name == "" {
		name = "result.bin"
	}
	dir := filepath.Join(s.baseDir, sanitizeName(ticketID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("artifact: create ticket dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("artifact: write %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return Artifact{
		TicketID: ticketID,
		FileName: name,
		FileSize: int64(len(data)),
		FileType: fileType(name),
		FileHash: hex.EncodeToString(sum[:]),
		Path:     path,
	}, nil
}

// Open returns the stored bytes for a ticket's artifact.
func (s *Store) Open(ticketID, fileName string) ([]byte, error) {
	path := filepath.Join(s.baseDir, sanitizeName(ticketID), sanitizeName(fileName))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", path, err)
	}
	return data, nil
}

// Remove deletes all artifacts for one ticket.
func (s *Store) Remove(ticketID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, sanitizeName(ticketID)))
}

// CleanupOlderThan removes ticket directories whose newest file is older than
// the retention age. Returns the number of directories removed.
func (s *Store) CleanupOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("artifact: list base dir: %w", err)
	}
	cutoff := s.now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.baseDir, entry.Name())
		if newestModTime(dir).After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("artifact: remove %s: %w", dir, err)
		}
		removed++
	}
	return removed, nil
}

func newestModTime(dir string) time.Time {
	var newest time.Time
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

// sanitizeName strips path separators so ids and remote file names cannot
// escape the base directory.
func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func fileType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
