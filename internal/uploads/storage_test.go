package uploads

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type staticIDProvider struct {
	id string
}

func (p staticIDProvider) NewID() (string, error) {
	return p.id, nil
}

// pngHeader is the smallest prefix mimetype recognises as image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestStorage(t *testing.T, maxBytes int64) *Storage {
	t.Helper()
	storage, err := NewStorage(Config{
		Directory:  filepath.Join(t.TempDir(), "uploads"),
		MaxBytes:   maxBytes,
		IDProvider: staticIDProvider{id: "0190a7e0-0000-7000-8000-000000000001"},
		Clock:      func() time.Time { return time.UnixMilli(1700000000123) },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return storage
}

func TestSaveImageStoresSniffedImages(t *testing.T) {
	storage := newTestStorage(t, 1024)

	url, err := storage.SaveImage(bytes.NewReader(append(pngHeader, make([]byte, 64)...)), "photo.JPG")
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	expected := "/uploads/1700000000123-0190a7e0-0000-7000-8000-000000000001.png"
	if url != expected {
		t.Fatalf("expected %s, got %s", expected, url)
	}

	stored, err := os.ReadFile(filepath.Join(storage.Directory(), strings.TrimPrefix(url, PublicPrefix+"/")))
	if err != nil {
		t.Fatalf("expected stored file: %v", err)
	}
	if len(stored) != len(pngHeader)+64 {
		t.Fatalf("unexpected stored size %d", len(stored))
	}

	if err := storage.Remove(url); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if err := storage.Remove(url); err != nil {
		t.Fatalf("removing twice must be harmless: %v", err)
	}
}

func TestSaveImageRejectsNonImages(t *testing.T) {
	storage := newTestStorage(t, 1024)

	_, err := storage.SaveImage(strings.NewReader("#!/bin/sh\necho pwned\n"), "evil.png")
	if !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected not image error, got %v", err)
	}
	entries, _ := os.ReadDir(storage.Directory())
	if len(entries) != 0 {
		t.Fatalf("expected nothing to be stored, found %d files", len(entries))
	}
}

func TestSaveImageEnforcesSizeLimit(t *testing.T) {
	storage := newTestStorage(t, 32)

	_, err := storage.SaveImage(bytes.NewReader(append(pngHeader, make([]byte, 64)...)), "big.png")
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected file too large, got %v", err)
	}
	entries, _ := os.ReadDir(storage.Directory())
	if len(entries) != 0 {
		t.Fatalf("expected oversized upload to be removed, found %d files", len(entries))
	}
}

func TestUUIDProviderIssuesVersionSevenIDs(t *testing.T) {
	id, err := NewUUIDProvider().NewID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if len(id) != 36 || id[14] != '7' {
		t.Fatalf("expected a UUIDv7, got %s", id)
	}
}
