// Package guidance supplies phase-specific negotiation technique notes.
//
// Technique documents are plain .md or .txt files whose file name hints at the
// phase they cover. [LoadDir] reads them; a [Retriever] ranks them for a
// phase (vector search in memory via [MemIndex] or in PostgreSQL via
// [PGIndex], or fuzzy name matching via [LexicalIndex]); and [Guard] turns
// the results into prompt text, falling back to generic advice when
// retrieval is unavailable or finds nothing.
package guidance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// ErrUnavailable is returned by retrievers that cannot serve a query, for
// example because nothing has been indexed.
var ErrUnavailable = errors.New("guidance: retrieval unavailable")

// docNamespace scopes the name-based document IDs.
var docNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/MrWong99/parley/guidance"))

// Document is one technique file.
type Document struct {
	// ID is stable for a given file name.
	ID string
	// Name is the file name including extension.
	Name string
	// Phase is the file name without extension, used as a phase hint.
	Phase   string
	Content string
}

// DocumentID returns the stable ID for a document file name.
func DocumentID(name string) string {
	return uuid.NewSHA1(docNamespace, []byte(name)).String()
}

// LoadDir reads every non-empty .md and .txt file directly inside dir,
// sorted by name. A missing directory is an error; an empty one is not.
// Files that cannot be read are logged and skipped.
func LoadDir(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("guidance: read dir: %w", err)
	}

	var docs []Document
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".md" && ext != ".txt" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("guidance: skipping unreadable document", "file", name, "err", err)
			continue
		}
		content := strings.TrimSpace(string(raw))
		if content == "" {
			continue
		}
		docs = append(docs, Document{
			ID:      DocumentID(name),
			Name:    name,
			Phase:   strings.TrimSuffix(name, filepath.Ext(name)),
			Content: content,
		})
	}
	slices.SortFunc(docs, func(a, b Document) int { return strings.Compare(a.Name, b.Name) })
	return docs, nil
}
