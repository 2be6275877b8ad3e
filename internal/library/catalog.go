// Package library implements the durable media catalog: the set of
// tracked and blacklisted directories, and the per-file state buckets
// (incomplete, skipped, complete, failed) along with the running total
// of space saved by transcoding.
//
// Every mutation is committed to disk before the call returns. A file
// path is held by at most one bucket at any time.
package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hbomb79/hevcify/internal/policy"
	"github.com/hbomb79/hevcify/pkg/logger"
)

var log = logger.Get("Library")

type (
	// Catalog is the single writer of the catalog document at its path. It
	// is safe for concurrent use within a process, and an exclusive lock
	// prevents other processes from opening the same catalog.
	Catalog struct {
		mu   sync.Mutex
		path string
		doc  *document
		lock *fileLock
	}

	// Batch groups several classifications in to a single commit. A batch
	// is only valid inside of the Update callback it was provided to.
	Batch struct {
		doc *document
	}
)

// Open loads the catalog document at path, creating it (and any missing
// parent directories) if it does not exist yet.
func Open(path string) (*Catalog, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	doc, err := loadDocument(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Emit(logger.NEW, "Creating new catalog at %s\n", path)
		doc = newDocument()
		err = writeDocument(path, doc)
	}
	if err != nil {
		lock.release()
		return nil, err
	}

	return &Catalog{path: path, doc: doc, lock: lock}, nil
}

func (catalog *Catalog) Path() string { return catalog.path }

// Close releases the catalog lock. The catalog must not be used afterwards.
func (catalog *Catalog) Close() error {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	if catalog.lock == nil {
		return nil
	}

	err := catalog.lock.release()
	catalog.lock = nil
	return err
}

// mutate applies fn to the document and commits the result. If fn fails, or
// the commit fails, the in-memory document is reverted so that it always
// reflects what is on disk.
//
// Note: this method takes ownership of the mutex, and releases it when returning
func (catalog *Catalog) mutate(fn func(doc *document) error) error {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	before := catalog.doc.snapshot()
	if err := fn(catalog.doc); err != nil {
		catalog.doc = before
		return err
	}

	if err := writeDocument(catalog.path, catalog.doc); err != nil {
		catalog.doc = before
		return err
	}

	return nil
}

// read runs fn against the document while holding the mutex.
func (catalog *Catalog) read(fn func(doc *document)) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()

	fn(catalog.doc)
}

// AddTrackedPath adds dir (made absolute) to the tracked paths. Adding a
// path which is already tracked is a no-op.
func (catalog *Catalog) AddTrackedPath(dir string) (string, error) {
	return catalog.addDirectory(dir, func(doc *document) *[]string { return &doc.Paths })
}

// AddBlacklistPath adds dir to the blacklist. Files beneath a blacklisted
// directory are never catalogued by a scan.
func (catalog *Catalog) AddBlacklistPath(dir string) (string, error) {
	return catalog.addDirectory(dir, func(doc *document) *[]string { return &doc.Blacklist })
}

func (catalog *Catalog) addDirectory(dir string, list func(*document) *[]string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidDirectory, abs)
	}

	return abs, catalog.mutate(func(doc *document) error {
		paths := list(doc)
		if !slices.Contains(*paths, abs) {
			*paths = append(*paths, abs)
		}
		return nil
	})
}

func (catalog *Catalog) TrackedPaths() []string {
	var out []string
	catalog.read(func(doc *document) { out = slices.Clone(doc.Paths) })
	return out
}

func (catalog *Catalog) BlacklistPaths() []string {
	var out []string
	catalog.read(func(doc *document) { out = slices.Clone(doc.Blacklist) })
	return out
}

// IsTracked reports whether path is, or is beneath, a tracked directory.
func (catalog *Catalog) IsTracked(path string) bool {
	var tracked bool
	catalog.read(func(doc *document) { tracked = underAny(path, doc.Paths) })
	return tracked
}

// IsBlacklisted reports whether path is, or is beneath, a blacklisted directory.
func (catalog *Catalog) IsBlacklisted(path string) bool {
	var blacklisted bool
	catalog.read(func(doc *document) { blacklisted = underAny(path, doc.Blacklist) })
	return blacklisted
}

// Update runs fn with a batch, committing every change it makes exactly
// once. If fn returns an error, none of its changes are kept.
func (catalog *Catalog) Update(fn func(batch *Batch) error) error {
	return catalog.mutate(func(doc *document) error {
		return fn(&Batch{doc: doc})
	})
}

// Classify routes a freshly probed file in to the bucket matching the
// policy decision provided.
func (catalog *Catalog) Classify(entry *Entry, decision policy.Decision) error {
	return catalog.Update(func(batch *Batch) error {
		batch.Classify(entry, decision)
		return nil
	})
}

// RecordProbeFailure records a file which could not be probed (or which has no
// video stream) as failed.
func (catalog *Catalog) RecordProbeFailure(path string, message string) error {
	return catalog.Update(func(batch *Batch) error {
		batch.RecordFailure(path, message)
		return nil
	})
}

// MarkComplete moves input out of the incomplete bucket and records it as
// complete under output. The size of output is measured from disk; if the
// output cannot be found the original size is assumed, and nothing is saved.
// The space saved by this file is returned.
func (catalog *Catalog) MarkComplete(input string, output string, encoding Encoding) (int64, error) {
	newSize := int64(-1)
	if info, err := os.Stat(output); err == nil {
		newSize = info.Size()
	} else {
		log.Emit(logger.WARNING, "Completed output %s could not be measured, assuming original size: %v\n", output, err)
	}

	var saved int64
	err := catalog.mutate(func(doc *document) error {
		entry, ok := doc.Incomplete[input]
		if ok {
			entry = entry.clone()
		} else {
			entry = &Entry{Filepath: input, FileSize: max(newSize, 0)}
		}
		doc.remove(input)
		doc.remove(output)

		if newSize < 0 {
			newSize = entry.FileSize
		}

		saved = entry.FileSize - newSize
		if entry.OriginalCodec == "" {
			entry.OriginalCodec = entry.VideoCodec
		}
		entry.Filepath = output
		entry.VideoCodec = encoding.Codec
		entry.VideoProfile = encoding.Profile
		entry.FileSize = newSize
		entry.SpaceSaved = &saved
		entry.ErrorMessage = ""

		doc.Complete[output] = entry
		doc.SpaceSaved += saved
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Emit(logger.SUCCESS, "Marked %s complete (%s)\n", output, FormatBytes(saved))
	return saved, nil
}

// MarkFailed moves path in to the failed bucket along with the error
// message provided. Paths not already catalogued as incomplete are
// recorded with no metadata.
func (catalog *Catalog) MarkFailed(path string, message string) error {
	err := catalog.mutate(func(doc *document) error {
		(&Batch{doc: doc}).RecordFailure(path, message)
		return nil
	})
	if err == nil {
		log.Emit(logger.ERROR, "%s failed, moved to failed files: %s\n", path, message)
	}

	return err
}

// Clear empties every bucket provided. The tracked paths, blacklist and
// space saved total are never modified.
func (catalog *Catalog) Clear(buckets ...Bucket) error {
	return catalog.mutate(func(doc *document) error {
		for _, b := range buckets {
			*doc.bucket(b) = make(map[string]*Entry)
		}
		return nil
	})
}

// Candidates returns up to count incomplete file paths, in catalog order. A
// count of zero (or less) returns every incomplete path. ErrExhaustedLibrary
// is returned when there are no incomplete files.
func (catalog *Catalog) Candidates(count int) ([]string, error) {
	var keys []string
	catalog.read(func(doc *document) { keys = sortedKeys(doc.Incomplete) })

	if len(keys) == 0 {
		return nil, ErrExhaustedLibrary
	}
	if count > 0 && count < len(keys) {
		keys = keys[:count]
	}

	return keys, nil
}

// CandidatesIn returns every incomplete file path located beneath dir.
func (catalog *Catalog) CandidatesIn(dir string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0)
	catalog.read(func(doc *document) {
		for _, key := range sortedKeys(doc.Incomplete) {
			if isUnder(key, abs) {
				out = append(out, key)
			}
		}
	})

	return out, nil
}

// Failed returns a copy of every failed entry, ordered by path.
func (catalog *Catalog) Failed() []*Entry {
	return catalog.Entries(Failed)
}

// Entries returns a copy of every entry in the bucket, ordered by path.
func (catalog *Catalog) Entries(bucket Bucket) []*Entry {
	var out []*Entry
	catalog.read(func(doc *document) {
		entries := *doc.bucket(bucket)
		out = make([]*Entry, 0, len(entries))
		for _, key := range sortedKeys(entries) {
			out = append(out, entries[key].clone())
		}
	})

	return out
}

func (catalog *Catalog) SpaceSaved() int64 {
	var saved int64
	catalog.read(func(doc *document) { saved = doc.SpaceSaved })
	return saved
}

func (catalog *Catalog) Counts() Counts {
	var counts Counts
	catalog.read(func(doc *document) {
		counts = Counts{
			Incomplete: len(doc.Incomplete),
			Skipped:    len(doc.Skipped),
			Complete:   len(doc.Complete),
			Failed:     len(doc.Failed),
		}
	})

	return counts
}

// Lookup finds the entry for path, returning a copy of it and the bucket it
// is held in.
func (catalog *Catalog) Lookup(path string) (*Entry, Bucket, bool) {
	var (
		entry  *Entry
		bucket Bucket
	)
	catalog.read(func(doc *document) { entry, bucket = doc.lookup(path) })

	if entry == nil {
		return nil, "", false
	}

	return entry.clone(), bucket, true
}

// Known reports whether path is held by any bucket.
func (batch *Batch) Known(path string) bool {
	entry, _ := batch.doc.lookup(path)
	return entry != nil
}

// Classify places the entry in the bucket matching the decision, removing
// it from any other bucket.
func (batch *Batch) Classify(entry *Entry, decision policy.Decision) {
	entry = entry.clone()
	batch.doc.remove(entry.Filepath)

	switch decision {
	case policy.AlreadyEncoded:
		var zero int64
		entry.OriginalCodec = policy.TargetCodec
		entry.SpaceSaved = &zero
		batch.doc.Complete[entry.Filepath] = entry
	case policy.Skip:
		batch.doc.Skipped[entry.Filepath] = entry
	default:
		batch.doc.Incomplete[entry.Filepath] = entry
	}
}

// RecordFailure moves path in to the failed bucket with the message provided.
func (batch *Batch) RecordFailure(path string, message string) {
	entry, ok := batch.doc.Incomplete[path]
	if ok {
		entry = entry.clone()
	} else {
		entry = &Entry{Filepath: path}
	}

	batch.doc.remove(path)
	entry.ErrorMessage = message
	batch.doc.Failed[path] = entry
}

func (doc *document) lookup(path string) (*Entry, Bucket) {
	for _, b := range AllBuckets {
		if entry, ok := (*doc.bucket(b))[path]; ok {
			return entry, b
		}
	}

	return nil, ""
}

// remove deletes path from every bucket. Removing a completed entry also
// removes its contribution to the space saved total.
func (doc *document) remove(path string) {
	if entry, ok := doc.Complete[path]; ok && entry.SpaceSaved != nil {
		doc.SpaceSaved -= *entry.SpaceSaved
	}

	for _, b := range AllBuckets {
		delete(*doc.bucket(b), path)
	}
}

func sortedKeys(m map[string]*Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)
	return keys
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if isUnder(path, dir) {
			return true
		}
	}

	return false
}

// isUnder reports whether path is dir itself, or is located beneath it.
func isUnder(path string, dir string) bool {
	path, dir = filepath.Clean(path), filepath.Clean(dir)
	if path == dir {
		return true
	}

	return strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}
