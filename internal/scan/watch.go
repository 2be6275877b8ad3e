package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hbomb79/hevcify/pkg/logger"
	"github.com/rjeczalik/notify"
)

var ErrNothingTracked = errors.New("no tracked paths to watch")

// Watch is the long running form of ScanAll. It's responsible for listening
// to the OS file system for changes beneath any tracked path, re-scanning
// once the events have settled, as well as regularly re-scanning irrespective
// of the watcher.
// To stop watching, the calling code should cancel the context provided.
func (scanner *Scanner) Watch(ctx context.Context) error {
	paths := scanner.catalog.TrackedPaths()
	if len(paths) == 0 {
		return ErrNothingTracked
	}

	// notify drops events if the receiver is not ready, so the channel is buffered
	fsNotifyChannel := make(chan notify.EventInfo, 128)
	defer notify.Stop(fsNotifyChannel)
	for _, path := range paths {
		if err := notify.Watch(filepath.Join(path, "..."), fsNotifyChannel, notify.Create, notify.Rename, notify.Write); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	forceSyncTicker := time.NewTicker(scanner.config.ForceSyncInterval)
	defer forceSyncTicker.Stop()

	settleTimer := time.NewTimer(scanner.config.QuietPeriod)
	settleTimer.Stop()
	defer settleTimer.Stop()

	log.Emit(logger.INFO, "Watching %d tracked path(s) for changes\n", len(paths))
	scanner.rescan(ctx)

	for {
		select {
		case event := <-fsNotifyChannel:
			if !scanner.triggersRescan(event.Path()) {
				continue
			}

			log.Emit(logger.VERBOSE, "File system event %s on %s\n", event.Event(), event.Path())
			settleTimer.Reset(scanner.config.QuietPeriod)
		case <-settleTimer.C:
			scanner.rescan(ctx)
		case <-forceSyncTicker.C:
			scanner.rescan(ctx)
		case <-ctx.Done():
			log.Emit(logger.STOP, "Stopped watching tracked paths\n")
			return nil
		}
	}
}

func (scanner *Scanner) rescan(ctx context.Context) {
	summary, err := scanner.ScanAll(ctx)
	if err != nil && ctx.Err() == nil {
		log.Emit(logger.ERROR, "Re-scan of tracked paths failed: %v\n", err)
		return
	}

	if summary.Discovered() > 0 {
		log.Emit(logger.NEW, "Re-scan discovered %s\n", summary)
	}
}

// triggersRescan reports whether a file system event on path could reveal new
// media: a video file, or a directory moved in beneath a tracked path. The
// catalog's own writes never trigger a re-scan, as the catalog may live inside
// a tracked directory.
func (scanner *Scanner) triggersRescan(path string) bool {
	if scanner.isCatalogFile(path) {
		return false
	}
	if IsVideoFile(path) {
		return true
	}

	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// isCatalogFile reports whether path is the catalog document, its lock file,
// or one of the temporary files it is written through.
func (scanner *Scanner) isCatalogFile(path string) bool {
	catalogPath := scanner.catalog.Path()
	if path == catalogPath || path == catalogPath+".lock" {
		return true
	}

	return filepath.Dir(path) == filepath.Dir(catalogPath) &&
		strings.HasPrefix(filepath.Base(path), "."+filepath.Base(catalogPath)+".tmp-")
}
