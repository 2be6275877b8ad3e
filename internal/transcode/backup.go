package transcode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	BackupSuffix    = ".bk"
	OutputExtension = ".mkv"
)

// job holds the paths involved in transcoding a single file. The original
// file is renamed to the backup path for the duration of the transcode, and
// the output is always a matroska file alongside it.
type job struct {
	input  string
	backup string
	output string
}

func newJob(input string) job {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return job{
		input:  input,
		backup: input + BackupSuffix,
		output: base + OutputExtension,
	}
}

// OutputPath returns the path a successful transcode of input is written to.
func OutputPath(input string) string {
	return newJob(input).output
}

// takeBackup renames the original file to the backup path, removing any stale
// backup first so that the rename cannot collide.
func (j job) takeBackup() error {
	if err := removeIfExists(j.backup); err != nil {
		return fmt.Errorf("failed to remove stale backup: %w", err)
	}
	if err := os.Rename(j.input, j.backup); err != nil {
		return fmt.Errorf("failed to back up %s: %w", j.input, err)
	}

	return nil
}

// restore puts the original file back from its backup, removing any partial
// output and whatever occupies the original path. If there is no backup
// then there is nothing to restore, and the file system is left alone.
func (j job) restore() (bool, error) {
	return j.restoreOriginal(true)
}

// restoreOriginal restores the backup as restore does. When ownsOutput is
// false the file at the output path was not written by this job and is left
// untouched; if that file occupies the original path the backup is kept.
func (j job) restoreOriginal(ownsOutput bool) (bool, error) {
	if !exists(j.backup) {
		return false, nil
	}

	if !ownsOutput && j.output == j.input && exists(j.output) {
		return false, fmt.Errorf("%w: %s is occupied, original kept at %s", ErrOutputExists, j.input, j.backup)
	}
	if ownsOutput {
		if err := removeIfExists(j.output); err != nil {
			return false, fmt.Errorf("failed to remove partial output: %w", err)
		}
	}
	if err := removeIfExists(j.input); err != nil {
		return false, fmt.Errorf("failed to clear original path: %w", err)
	}
	if err := os.Rename(j.backup, j.input); err != nil {
		return false, fmt.Errorf("failed to restore %s from backup: %w", j.input, err)
	}

	return true, nil
}

// discardBackup deletes the backup once the output has been validated.
func (j job) discardBackup() error {
	return removeIfExists(j.backup)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
