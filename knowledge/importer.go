package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	rardecode "github.com/nwaples/rardecode/v2"
)

const maxImportEntryBytes = 4 << 20

// ImportOptions apply to every document created from an archive.
type ImportOptions struct {
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// ImportResult summarises one archive import. Failures holds one message per
// entry that could not be ingested; the remaining entries are unaffected.
type ImportResult struct {
	Imported    int      `json:"imported"`
	Skipped     int      `json:"skipped"`
	DocumentIDs []string `json:"document_ids"`
	Failures    []string `json:"failures,omitempty"`
}

// ImportArchive ingests every plain-text entry (.txt, .md) of a ZIP or RAR
// archive as a document of the knowledge base. Each entry becomes its own
// document titled after the file name; entries that fail are reported in the
// result rather than aborting the rest.
func (s *Service) ImportArchive(ctx context.Context, kbID, requesterID, filename string, data []byte, opts ImportOptions) (*ImportResult, error) {
	kb, _, err := s.resolveCollection(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if err := authorizeWrite(kb, requesterID); err != nil {
		return nil, err
	}

	ext := strings.ToLower(strings.TrimSpace(path.Ext(filename)))
	switch ext {
	case ".zip":
		return s.importZip(ctx, kb.ID, requesterID, filename, data, opts)
	case ".rar":
		return s.importRar(ctx, kb.ID, requesterID, filename, data, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported archive format %q", ErrConfiguration, ext)
	}
}

func (s *Service) importZip(ctx context.Context, kbID, requesterID, filename string, data []byte, opts ImportOptions) (*ImportResult, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: parse archive: %v", ErrConfiguration, err)
	}

	result := &ImportResult{}
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !isImportableEntry(file.Name) {
			result.Skipped++
			continue
		}
		rc, err := file.Open()
		if err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", file.Name, err))
			continue
		}
		content, err := readImportEntry(rc)
		rc.Close()
		if err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", file.Name, err))
			continue
		}
		s.importEntry(ctx, kbID, requesterID, filename, file.Name, content, opts, result)
	}

	if result.Imported == 0 && len(result.Failures) == 0 {
		return nil, fmt.Errorf("%w: archive contains no importable text files", ErrConfiguration)
	}
	return result, nil
}

func (s *Service) importRar(ctx context.Context, kbID, requesterID, filename string, data []byte, opts ImportOptions) (*ImportResult, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: parse rar archive: %v", ErrConfiguration, err)
	}

	result := &ImportResult{}
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read rar entry: %v", ErrConfiguration, err)
		}
		if header.IsDir || !isImportableEntry(header.Name) {
			result.Skipped++
			continue
		}
		content, err := readImportEntry(rr)
		if err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", header.Name, err))
			continue
		}
		s.importEntry(ctx, kbID, requesterID, filename, header.Name, content, opts, result)
	}

	if result.Imported == 0 && len(result.Failures) == 0 {
		return nil, fmt.Errorf("%w: archive contains no importable text files", ErrConfiguration)
	}
	return result, nil
}

func (s *Service) importEntry(ctx context.Context, kbID, requesterID, archiveName, entryName, content string, opts ImportOptions, result *ImportResult) {
	base := path.Base(strings.ReplaceAll(entryName, "\\", "/"))
	title := strings.TrimSuffix(base, path.Ext(base))

	doc, err := s.CreateDocument(ctx, kbID, requesterID, DocumentInput{
		Title:    title,
		Content:  content,
		Source:   fmt.Sprintf("%s/%s", archiveName, entryName),
		Category: opts.Category,
		Tags:     opts.Tags,
	})
	if err != nil {
		result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", entryName, err))
		return
	}
	result.Imported++
	result.DocumentIDs = append(result.DocumentIDs, doc.ID)
}

func isImportableEntry(name string) bool {
	normalized := strings.ReplaceAll(name, "\\", "/")
	for _, segment := range strings.Split(normalized, "/") {
		if strings.HasPrefix(segment, ".") || strings.HasPrefix(segment, "__MACOSX") {
			return false
		}
	}
	switch strings.ToLower(path.Ext(normalized)) {
	case ".txt", ".md":
		return true
	default:
		return false
	}
}

func readImportEntry(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImportEntryBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxImportEntryBytes {
		return "", fmt.Errorf("entry exceeds %d bytes", maxImportEntryBytes)
	}
	if !utf8.Valid(data) {
		return "", errors.New("entry is not valid UTF-8 text")
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", errors.New("entry is empty")
	}
	return content, nil
}
