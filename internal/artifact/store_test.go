package artifact

import (
	"bytes"
	"testing"
	"time"
)

func TestSaveAndOpen(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	content := []byte("ruc|periodo\n20100066603|202602\n")
	art, err := s.Save("TKT-DLP-20260310120000-deadbeef", "propuesta.txt", content)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if art.FileSize != int64(len(content)) {
		t.Fatalf("size %d, want %d", art.FileSize, len(content))
	}
	if len(art.FileHash) != 64 {
		t.Fatalf("hash %q is not sha256 hex", art.FileHash)
	}
	if art.FileType != "text/plain" {
		t.Fatalf("file type %q", art.FileType)
	}

	got, err := s.Open("TKT-DLP-20260310120000-deadbeef", "propuesta.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("round trip mismatch")
	}
}

func TestSaveSanitizesNames(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	art, err := s.Save("TKT-X", "../../etc/passwd", []byte("nope"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if art.FileName != "passwd" {
		t.Fatalf("file name %q, path separators must be stripped", art.FileName)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Save("TKT-OLD", "a.txt", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Nothing is old enough yet.
	n, err := s.CleanupOlderThan(time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 0 {
		t.Fatalf("removed %d, want 0", n)
	}

	// With a zero retention everything qualifies.
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.CleanupOlderThan(time.Minute)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := s.Open("TKT-OLD", "a.txt"); err == nil {
		t.Fatal("artifact survived cleanup")
	}
}
