// Package scan discovers media files beneath the catalogs tracked
// directories, probes them, and files each one in to the catalog
// according to the encoding policy.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
	"github.com/hbomb79/hevcify/internal/library"
	"github.com/hbomb79/hevcify/internal/policy"
	"github.com/hbomb79/hevcify/pkg/logger"
)

var log = logger.Get("Scanner")

// MaxPathLength is the longest absolute path the scanner will catalog. Longer
// paths are silently excluded, as some filesystems cannot store them.
const MaxPathLength = 255

var videoExtensions = map[string]struct{}{
	".3gp": {}, ".avi": {}, ".flv": {}, ".mkv": {}, ".mov": {}, ".mp4": {},
	".mpg": {}, ".ogm": {}, ".ogv": {}, ".vob": {}, ".webm": {}, ".wmv": {},
}

type (
	Config struct {
		Policy policy.Config

		// Watch mode re-scans once file system events have been quiet for
		// this long, and also unconditionally every ForceSyncInterval in
		// case the watcher misses an event.
		QuietPeriod       time.Duration
		ForceSyncInterval time.Duration
	}

	// Scanner is responsible for discovering new media files and adding
	// them to the catalog. Files already held by the catalog are never
	// re-probed, even if they have changed on disk.
	Scanner struct {
		catalog *library.Catalog
		prober  ffmpeg.Prober
		config  Config
	}

	// Summary counts the new files discovered by a scan, by outcome.
	Summary struct {
		Incomplete int
		Skipped    int
		Complete   int
		Failed     int
		// Files excluded because their path exceeds MaxPathLength.
		Excluded int
	}

	discovery struct {
		entry    *library.Entry
		decision policy.Decision
		failure  error
	}
)

func New(catalog *library.Catalog, prober ffmpeg.Prober, config Config) *Scanner {
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = 5 * time.Second
	}
	if config.ForceSyncInterval <= 0 {
		config.ForceSyncInterval = 10 * time.Minute
	}

	return &Scanner{catalog: catalog, prober: prober, config: config}
}

// IsVideoFile reports whether the path has a supported video extension.
func IsVideoFile(path string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ScanAll scans every tracked directory in turn, returning the combined summary.
func (scanner *Scanner) ScanAll(ctx context.Context) (Summary, error) {
	var total Summary
	for _, dir := range scanner.catalog.TrackedPaths() {
		summary, err := scanner.Scan(ctx, dir)
		total = total.add(summary)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Scan walks dir, probing every video file not yet held by the catalog and
// classifying it. A file which cannot be probed is recorded as failed and the
// scan continues. All discoveries are committed to the catalog at once when
// the walk completes (or is cancelled).
func (scanner *Scanner) Scan(ctx context.Context, dir string) (Summary, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return Summary{}, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Summary{}, fmt.Errorf("%w: %s", library.ErrInvalidDirectory, dir)
	}

	log.Emit(logger.INFO, "Scanning %s\n", dir)
	paths, excluded, err := scanner.walk(dir)
	if err != nil {
		return Summary{}, err
	}

	discoveries := make([]discovery, 0, len(paths))
	var scanErr error
	for _, path := range paths {
		d := scanner.probe(ctx, path)
		if err := ctx.Err(); err != nil {
			// Interrupted probes are not failures, and are left for the next scan
			scanErr = err
			break
		}

		discoveries = append(discoveries, d)
	}

	summary := Summary{Excluded: excluded}
	if len(discoveries) == 0 {
		// Nothing to commit, and the catalog file is left untouched
		log.Emit(logger.DEBUG, "Scan of %s found nothing new\n", dir)
		return summary, scanErr
	}

	err = scanner.catalog.Update(func(batch *library.Batch) error {
		for _, d := range discoveries {
			// A concurrent scan may have got here first
			if batch.Known(d.entry.Filepath) {
				continue
			}

			if d.failure != nil {
				batch.RecordFailure(d.entry.Filepath, d.failure.Error())
				summary.Failed++
				continue
			}

			batch.Classify(d.entry, d.decision)
			summary.count(d.decision)
		}

		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to commit scan of %s: %w", dir, err)
	}

	log.Emit(logger.SUCCESS, "Scan of %s completed: %s\n", dir, summary)
	return summary, scanErr
}

// walk returns the paths of the new video files beneath dir, in lexical
// order, and the number of files excluded for their path length.
func (scanner *Scanner) walk(dir string) ([]string, int, error) {
	paths := make([]string, 0)
	excluded := 0
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}

			log.Emit(logger.WARNING, "Skipping %s: %v\n", path, err)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			if scanner.catalog.IsBlacklisted(path) {
				log.Emit(logger.DEBUG, "Skipping blacklisted directory %s\n", path)
				return fs.SkipDir
			}
			return nil
		}

		if !entry.Type().IsRegular() || !IsVideoFile(path) {
			return nil
		}
		if _, _, known := scanner.catalog.Lookup(path); known {
			return nil
		}
		if len(path) > MaxPathLength {
			log.Emit(logger.VERBOSE, "Excluding %s, path is too long\n", path)
			excluded++
			return nil
		}

		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	return paths, excluded, nil
}

func (scanner *Scanner) probe(ctx context.Context, path string) discovery {
	result, err := scanner.prober.Probe(ctx, path)
	if err != nil {
		log.Emit(logger.WARNING, "Probe of %s failed: %v\n", path, err)
		return discovery{entry: &library.Entry{Filepath: path}, failure: err}
	}

	entry := library.NewEntry(path, result)
	decision, err := policy.Evaluate(result, scanner.config.Policy)
	if errors.Is(err, policy.ErrNoVideoStream) {
		log.Emit(logger.WARNING, "%s contains no video streams\n", path)
		return discovery{entry: entry, failure: err}
	}

	log.Emit(logger.VERBOSE, "Discovered %s (%s)\n", path, decision)
	return discovery{entry: entry, decision: decision}
}

func (s *Summary) count(decision policy.Decision) {
	switch decision {
	case policy.AlreadyEncoded:
		s.Complete++
	case policy.Skip:
		s.Skipped++
	default:
		s.Incomplete++
	}
}

func (s Summary) add(other Summary) Summary {
	return Summary{
		Incomplete: s.Incomplete + other.Incomplete,
		Skipped:    s.Skipped + other.Skipped,
		Complete:   s.Complete + other.Complete,
		Failed:     s.Failed + other.Failed,
		Excluded:   s.Excluded + other.Excluded,
	}
}

// Discovered is the number of files newly added to the catalog.
func (s Summary) Discovered() int {
	return s.Incomplete + s.Skipped + s.Complete + s.Failed
}

func (s Summary) String() string {
	return fmt.Sprintf("%d new (%d incomplete, %d skipped, %d complete, %d failed), %d excluded",
		s.Discovered(), s.Incomplete, s.Skipped, s.Complete, s.Failed, s.Excluded)
}
