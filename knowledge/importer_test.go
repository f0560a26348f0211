package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := writer.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestImportArchiveIngestsTextEntries(t *testing.T) {
	env := newTestEnv(t)
	kb := env.createBase(t, "alice", false, "")

	data := buildZip(t, map[string]string{
		"notes/intro.txt":    "Welcome to the project.",
		"notes/setup.md":     "# Setup\nInstall the toolchain.",
		"assets/diagram.png": "\x89PNG not text",
		".hidden.txt":        "dotfiles are skipped",
		"__MACOSX/intro.txt": "resource fork noise",
		"notes/empty.txt":    "   ",
	})

	result, err := env.svc.ImportArchive(context.Background(), kb.ID, "alice", "bundle.zip", data, ImportOptions{
		Category: "imported",
		Tags:     []string{"bundle"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 2 {
		t.Errorf("imported = %d, want 2 (txt and md)", result.Imported)
	}
	if result.Skipped != 3 {
		t.Errorf("skipped = %d, want 3 (png, dotfile, macosx)", result.Skipped)
	}
	if len(result.Failures) != 1 || !strings.Contains(result.Failures[0], "empty") {
		t.Errorf("failures = %v, want the empty entry reported", result.Failures)
	}
	if len(result.DocumentIDs) != 2 {
		t.Fatalf("document ids = %v", result.DocumentIDs)
	}

	docs, err := env.svc.ListDocuments(context.Background(), kb.ID, "alice", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	titles := make(map[string]bool, len(docs))
	for _, doc := range docs {
		titles[doc.Title] = true
		if doc.Category == nil || *doc.Category != "imported" {
			t.Errorf("document %s category = %v, want imported", doc.Title, doc.Category)
		}
		if doc.Source == nil || !strings.HasPrefix(*doc.Source, "bundle.zip/") {
			t.Errorf("document %s source = %v, want bundle.zip/<entry>", doc.Title, doc.Source)
		}
	}
	if !titles["intro"] || !titles["setup"] {
		t.Errorf("titles = %v, want entry names without extensions", titles)
	}
}

func TestImportArchiveRequiresWriteAccess(t *testing.T) {
	env := newTestEnv(t)
	kb := env.createBase(t, "alice", true, "")

	data := buildZip(t, map[string]string{"a.txt": "content"})
	if _, err := env.svc.ImportArchive(context.Background(), kb.ID, "bob", "a.zip", data, ImportOptions{}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestImportArchiveRejectsUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t)
	kb := env.createBase(t, "alice", false, "")

	if _, err := env.svc.ImportArchive(context.Background(), kb.ID, "alice", "data.tar.gz", []byte("x"), ImportOptions{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestImportArchiveWithoutTextEntries(t *testing.T) {
	env := newTestEnv(t)
	kb := env.createBase(t, "alice", false, "")

	data := buildZip(t, map[string]string{"image.png": "binary"})
	if _, err := env.svc.ImportArchive(context.Background(), kb.ID, "alice", "images.zip", data, ImportOptions{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestImportArchiveEntryFailureDoesNotAbort(t *testing.T) {
	env := newTestEnv(t)
	kb := env.createBase(t, "alice", false, "")

	data := buildZip(t, map[string]string{
		"good.txt":    "valid document body",
		"invalid.txt": string([]byte{0xff, 0xfe, 0x00}),
	})

	result, err := env.svc.ImportArchive(context.Background(), kb.ID, "alice", "mixed.zip", data, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("imported = %d, want 1", result.Imported)
	}
	if len(result.Failures) != 1 || !strings.Contains(result.Failures[0], "invalid.txt") {
		t.Errorf("failures = %v, want invalid.txt reported", result.Failures)
	}
}
