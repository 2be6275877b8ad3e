package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/hbomb79/hevcify/pkg/logger"
)

// document is the on-disk shape of the catalog. Bucket maps are keyed by
// absolute filepath; encoding/json writes map keys in sorted order, which
// gives the document (and candidate iteration) a stable order.
type document struct {
	Paths      []string          `json:"paths"`
	Blacklist  []string          `json:"blacklist"`
	Incomplete map[string]*Entry `json:"incomplete_files"`
	Skipped    map[string]*Entry `json:"skipped_files"`
	Complete   map[string]*Entry `json:"complete_files"`
	Failed     map[string]*Entry `json:"failed_files"`
	SpaceSaved int64             `json:"space_saved"`
}

func newDocument() *document {
	doc := &document{}
	doc.normalise()
	return doc
}

// normalise fills in any sections absent from a loaded document.
func (doc *document) normalise() {
	if doc.Paths == nil {
		doc.Paths = make([]string, 0)
	}
	if doc.Blacklist == nil {
		doc.Blacklist = make([]string, 0)
	}
	for _, bucket := range AllBuckets {
		if *doc.bucket(bucket) == nil {
			*doc.bucket(bucket) = make(map[string]*Entry)
		}
	}
}

func (doc *document) bucket(b Bucket) *map[string]*Entry {
	switch b {
	case Incomplete:
		return &doc.Incomplete
	case Skipped:
		return &doc.Skipped
	case Complete:
		return &doc.Complete
	case Failed:
		return &doc.Failed
	}

	panic(fmt.Sprintf("unknown catalog bucket %q", b))
}

// snapshot returns a copy of the document which shares entries with the
// original. Entries are never mutated in place, so restoring the snapshot
// fully reverts any mutation applied after it was taken.
func (doc *document) snapshot() *document {
	return &document{
		Paths:      append([]string(nil), doc.Paths...),
		Blacklist:  append([]string(nil), doc.Blacklist...),
		Incomplete: maps.Clone(doc.Incomplete),
		Skipped:    maps.Clone(doc.Skipped),
		Complete:   maps.Clone(doc.Complete),
		Failed:     maps.Clone(doc.Failed),
		SpaceSaved: doc.SpaceSaved,
	}
}

func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc := &document{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("catalog %s is corrupt: %w", path, err)
		}
	}

	doc.normalise()
	return doc, nil
}

// writeDocument atomically replaces the file at path with the document. The
// document is written to a temporary file in the same directory, synced, and
// then renamed over the destination, so a crash leaves either the old or
// the new document in place and never a truncated one.
func writeDocument(path string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary catalog file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close catalog: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace catalog: %w", err)
	}

	// Directory sync is best-effort, as some platforms do not support it.
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		log.Emit(logger.VERBOSE, "Directory sync of %s failed: %v\n", dir, err)
	}
}
