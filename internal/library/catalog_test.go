package library_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/hbomb79/hevcify/internal/library"
	"github.com/hbomb79/hevcify/internal/policy"
	"github.com/hbomb79/hevcify/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

var hevcMain = library.Encoding{Codec: "hevc", Profile: "Main"}

func openCatalog(t *testing.T) (*library.Catalog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "library.json")
	catalog, err := library.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	return catalog, path
}

func entry(path string, codec string, size int64) *library.Entry {
	return &library.Entry{Filepath: path, VideoCodec: codec, VideoProfile: "High", FileSize: size, Duration: 60}
}

func readDocument(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

// assertDisjoint checks that no path is held by more than one bucket.
func assertDisjoint(t *testing.T, catalog *library.Catalog) {
	t.Helper()
	seen := make(map[string]library.Bucket)
	for _, bucket := range library.AllBuckets {
		for _, e := range catalog.Entries(bucket) {
			if other, ok := seen[e.Filepath]; ok {
				t.Errorf("%s is held by both %s and %s", e.Filepath, other, bucket)
			}
			seen[e.Filepath] = bucket
		}
	}
}

// assertSpaceAccounting checks the running total matches the sum of per-entry savings.
func assertSpaceAccounting(t *testing.T, catalog *library.Catalog) {
	t.Helper()
	var sum int64
	for _, e := range catalog.Entries(library.Complete) {
		if e.SpaceSaved != nil {
			sum += *e.SpaceSaved
		}
	}
	assert.Equal(t, sum, catalog.SpaceSaved())
}

func Test_Open_CreatesEmptyDocument(t *testing.T) {
	_, path := openCatalog(t)

	doc := readDocument(t, path)
	for _, key := range []string{"paths", "blacklist", "incomplete_files", "skipped_files", "complete_files", "failed_files", "space_saved"} {
		assert.Contains(t, doc, key)
	}
	assert.EqualValues(t, 0, doc["space_saved"])
}

func Test_Open_IsExclusive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("catalog locking is not supported on windows")
	}

	_, path := openCatalog(t)
	_, err := library.Open(path)
	assert.ErrorIs(t, err, library.ErrCatalogLocked)
}

func Test_Open_Reload(t *testing.T) {
	catalog, path := openCatalog(t)
	dir := t.TempDir()

	_, err := catalog.AddTrackedPath(dir)
	require.NoError(t, err)
	require.NoError(t, catalog.Classify(entry("/m/a.avi", "h264", 100), policy.NeedsEncode))
	require.NoError(t, catalog.Close())

	reopened, err := library.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, []string{dir}, reopened.TrackedPaths())
	e, bucket, ok := reopened.Lookup("/m/a.avi")
	require.True(t, ok)
	assert.Equal(t, library.Incomplete, bucket)
	assert.Equal(t, int64(100), e.FileSize)
}

func Test_AddTrackedPath(t *testing.T) {
	catalog, _ := openCatalog(t)
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		abs, err := catalog.AddTrackedPath(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, abs)
	}
	assert.Equal(t, []string{dir}, catalog.TrackedPaths(), "adding a tracked path must be idempotent")
	assert.True(t, catalog.IsTracked(filepath.Join(dir, "sub", "movie.mkv")))
	assert.False(t, catalog.IsTracked(dir+"-other/movie.mkv"))

	_, err := catalog.AddTrackedPath(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, library.ErrInvalidDirectory)

	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = catalog.AddBlacklistPath(file)
	assert.ErrorIs(t, err, library.ErrInvalidDirectory)
}

func Test_Classify(t *testing.T) {
	catalog, _ := openCatalog(t)
	require.NoError(t, catalog.Classify(entry("/m/a.avi", "h264", 100), policy.NeedsEncode))
	require.NoError(t, catalog.Classify(entry("/m/b.mkv", "hevc", 100), policy.AlreadyEncoded))
	require.NoError(t, catalog.Classify(entry("/m/c.mkv", "h264", 100), policy.Skip))

	assert.Equal(t, library.Counts{Incomplete: 1, Skipped: 1, Complete: 1}, catalog.Counts())

	done, bucket, ok := catalog.Lookup("/m/b.mkv")
	require.True(t, ok)
	assert.Equal(t, library.Complete, bucket)
	assert.Equal(t, "hevc", done.OriginalCodec)
	require.NotNil(t, done.SpaceSaved)
	assert.Equal(t, int64(0), *done.SpaceSaved)

	// Reclassifying moves the entry rather than duplicating it
	require.NoError(t, catalog.Classify(entry("/m/c.mkv", "h264", 100), policy.NeedsEncode))
	assert.Equal(t, library.Counts{Incomplete: 2, Complete: 1}, catalog.Counts())
	assertDisjoint(t, catalog)
}

func Test_MarkComplete(t *testing.T) {
	catalog, _ := openCatalog(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "movie.avi")
	output := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(output, make([]byte, 400), 0o644))
	require.NoError(t, catalog.Classify(entry(input, "h264", 1000), policy.NeedsEncode))

	saved, err := catalog.MarkComplete(input, output, hevcMain)
	require.NoError(t, err)
	assert.Equal(t, int64(600), saved)

	_, _, ok := catalog.Lookup(input)
	assert.False(t, ok, "input key must leave the catalog when the output differs")

	done, bucket, ok := catalog.Lookup(output)
	require.True(t, ok)
	assert.Equal(t, library.Complete, bucket)
	assert.Equal(t, "hevc", done.VideoCodec)
	assert.Equal(t, "Main", done.VideoProfile)
	assert.Equal(t, "h264", done.OriginalCodec)
	assert.Equal(t, int64(400), done.FileSize)
	assert.Equal(t, int64(600), catalog.SpaceSaved())
	assertSpaceAccounting(t, catalog)
	assertDisjoint(t, catalog)
}

func Test_MarkComplete_MissingOutputAssumesOriginalSize(t *testing.T) {
	catalog, _ := openCatalog(t)
	require.NoError(t, catalog.Classify(entry("/m/a.avi", "h264", 1000), policy.NeedsEncode))

	saved, err := catalog.MarkComplete("/m/a.avi", "/m/a.mkv", hevcMain)
	require.NoError(t, err)
	assert.Equal(t, int64(0), saved)

	done, _, ok := catalog.Lookup("/m/a.mkv")
	require.True(t, ok)
	assert.Equal(t, int64(1000), done.FileSize)
}

func Test_MarkComplete_NegativeSavings(t *testing.T) {
	catalog, _ := openCatalog(t)
	dir := t.TempDir()
	output := filepath.Join(dir, "a.mkv")
	require.NoError(t, os.WriteFile(output, make([]byte, 150), 0o644))
	require.NoError(t, catalog.Classify(entry(filepath.Join(dir, "a.avi"), "h264", 100), policy.NeedsEncode))

	saved, err := catalog.MarkComplete(filepath.Join(dir, "a.avi"), output, hevcMain)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), saved)
	assert.Equal(t, int64(-50), catalog.SpaceSaved())
	assert.True(t, strings.HasPrefix(library.FormatBytes(saved), "-"))
}

func Test_SpaceAccounting_AcrossOperations(t *testing.T) {
	catalog, _ := openCatalog(t)
	dir := t.TempDir()

	sizes := map[string]int{"a": 300, "b": 700, "c": 50}
	for name, size := range sizes {
		input := filepath.Join(dir, name+".avi")
		output := filepath.Join(dir, name+".mkv")
		require.NoError(t, os.WriteFile(output, make([]byte, size), 0o644))
		require.NoError(t, catalog.Classify(entry(input, "h264", 500), policy.NeedsEncode))
		_, err := catalog.MarkComplete(input, output, hevcMain)
		require.NoError(t, err)
	}
	require.NoError(t, catalog.Classify(entry(filepath.Join(dir, "d.mkv"), "hevc", 10), policy.AlreadyEncoded))

	assert.Equal(t, int64(200+(-200)+450), catalog.SpaceSaved())
	assertSpaceAccounting(t, catalog)

	// Re-completing an existing output replaces its previous contribution
	require.NoError(t, catalog.Classify(entry(filepath.Join(dir, "a.avi"), "h264", 500), policy.NeedsEncode))
	_, err := catalog.MarkComplete(filepath.Join(dir, "a.avi"), filepath.Join(dir, "a.mkv"), hevcMain)
	require.NoError(t, err)
	assertSpaceAccounting(t, catalog)
}

func Test_MarkFailed(t *testing.T) {
	catalog, _ := openCatalog(t)
	require.NoError(t, catalog.Classify(entry("/m/a.avi", "h264", 100), policy.NeedsEncode))

	require.NoError(t, catalog.MarkFailed("/m/a.avi", "ffmpeg exited with code 1"))
	require.NoError(t, catalog.MarkFailed("/m/unknown.avi", "no video stream"))

	failed := catalog.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "/m/a.avi", failed[0].Filepath)
	assert.Equal(t, "h264", failed[0].VideoCodec, "metadata of incomplete entries is kept")
	assert.Equal(t, "ffmpeg exited with code 1", failed[0].ErrorMessage)
	assert.Equal(t, "/m/unknown.avi", failed[1].Filepath)
	assert.Empty(t, failed[1].VideoCodec)
	assert.Equal(t, 0, catalog.Counts().Incomplete)
	assertDisjoint(t, catalog)
}

func Test_Clear(t *testing.T) {
	catalog, _ := openCatalog(t)
	dir := t.TempDir()
	_, err := catalog.AddTrackedPath(dir)
	require.NoError(t, err)

	output := filepath.Join(dir, "a.mkv")
	require.NoError(t, os.WriteFile(output, make([]byte, 10), 0o644))
	require.NoError(t, catalog.Classify(entry(filepath.Join(dir, "a.avi"), "h264", 100), policy.NeedsEncode))
	_, err = catalog.MarkComplete(filepath.Join(dir, "a.avi"), output, hevcMain)
	require.NoError(t, err)
	require.NoError(t, catalog.MarkFailed("/m/b.avi", "boom"))
	require.NoError(t, catalog.Classify(entry("/m/c.avi", "h264", 100), policy.NeedsEncode))

	require.NoError(t, catalog.Clear(library.Failed))
	assert.Equal(t, library.Counts{Incomplete: 1, Complete: 1}, catalog.Counts())

	buckets, err := library.ParseBuckets("all")
	require.NoError(t, err)
	require.NoError(t, catalog.Clear(buckets...))
	assert.Equal(t, 0, catalog.Counts().Total())
	assert.Equal(t, []string{dir}, catalog.TrackedPaths())
	assert.Equal(t, int64(90), catalog.SpaceSaved(), "clearing buckets must not reset the running total")

	_, err = library.ParseBuckets("everything")
	assert.ErrorIs(t, err, library.ErrUnknownBucket)
}

func Test_Candidates(t *testing.T) {
	catalog, _ := openCatalog(t)

	_, err := catalog.Candidates(5)
	assert.ErrorIs(t, err, library.ErrExhaustedLibrary)

	require.NoError(t, catalog.Update(func(batch *library.Batch) error {
		for _, p := range []string{"/m/c.avi", "/m/a.avi", "/n/b.avi", "/m/sub/d.avi"} {
			batch.Classify(entry(p, "h264", 10), policy.NeedsEncode)
		}
		return nil
	}))

	candidates, err := catalog.Candidates(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"/m/a.avi", "/m/c.avi"}, candidates)

	all, err := catalog.Candidates(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	focused, err := catalog.CandidatesIn("/m")
	require.NoError(t, err)
	assert.Equal(t, []string{"/m/a.avi", "/m/c.avi", "/m/sub/d.avi"}, focused)
}

func Test_Update_FailureRevertsChanges(t *testing.T) {
	catalog, path := openCatalog(t)
	require.NoError(t, catalog.Classify(entry("/m/a.avi", "h264", 10), policy.NeedsEncode))

	err := catalog.Update(func(batch *library.Batch) error {
		batch.Classify(entry("/m/b.avi", "h264", 10), policy.NeedsEncode)
		batch.RecordFailure("/m/a.avi", "boom")
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, library.Counts{Incomplete: 1}, catalog.Counts())

	doc := readDocument(t, path)
	assert.Len(t, doc["incomplete_files"], 1)
	assert.Empty(t, doc["failed_files"])
}

func Test_Commit_LeavesNoTemporaryFiles(t *testing.T) {
	catalog, path := openCatalog(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, catalog.Classify(entry(filepath.Join("/m", string(rune('a'+i))+".avi"), "h264", 10), policy.NeedsEncode))
	}

	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name())
	}
	assert.ElementsMatch(t, []string{"library.json", "library.json.lock"}, names)
}
