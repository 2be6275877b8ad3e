// Package transcode replaces catalogued media files with HEVC re-encodes of
// themselves. The original file is renamed to a backup for the duration of
// each transcode, and is only deleted once the output has been validated;
// every failure path restores the original before returning.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
	"github.com/hbomb79/hevcify/internal/library"
	"github.com/hbomb79/hevcify/internal/policy"
	"github.com/hbomb79/hevcify/pkg/logger"
	"github.com/shirou/gopsutil/v4/disk"
)

var log = logger.Get("Transcoder")

type State int

const (
	START State = iota
	BACKUP_PENDING
	ENCODING
	VALIDATING
	COMMITTED
	ROLLED_BACK
)

type OutcomeKind int

const (
	Committed OutcomeKind = iota
	AlreadyEncoded
	Invalid
	Failed
	Cancelled
)

type (
	store interface {
		MarkComplete(input string, output string, encoding library.Encoding) (int64, error)
		MarkFailed(path string, message string) error
	}

	// FreeSpaceFunc reports the number of bytes available to unprivileged
	// users on the volume containing path.
	FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

	Config struct {
		Policy  policy.Config
		Encoder EncoderConfig

		// SkipSpaceCheck disables the free space precondition.
		SkipSpaceCheck bool
	}

	// Orchestrator drives a single file through the transcode state machine:
	// START -> BACKUP_PENDING -> ENCODING -> VALIDATING -> COMMITTED, or
	// ROLLED_BACK from any point after the backup has been taken.
	Orchestrator struct {
		catalog    store
		prober     ffmpeg.Prober
		transcoder ffmpeg.Transcoder
		config     Config
		freeSpace  FreeSpaceFunc
	}

	// Outcome is the result of processing one file. Err is set for every
	// kind except Committed and AlreadyEncoded. State is the last state
	// the state machine reached.
	Outcome struct {
		Kind       OutcomeKind
		State      State
		Input      string
		Output     string
		SpaceSaved int64
		Err        error
	}
)

func NewOrchestrator(catalog store, prober ffmpeg.Prober, transcoder ffmpeg.Transcoder, config Config) *Orchestrator {
	return &Orchestrator{
		catalog:    catalog,
		prober:     prober,
		transcoder: transcoder,
		config:     config,
		freeSpace:  DiskFreeSpace,
	}
}

// WithFreeSpaceFunc replaces the function used to measure free space.
func (orchestrator *Orchestrator) WithFreeSpaceFunc(fn FreeSpaceFunc) *Orchestrator {
	orchestrator.freeSpace = fn
	return orchestrator
}

// DiskFreeSpace measures free space using the host file system statistics.
func DiskFreeSpace(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}

	return usage.Free, nil
}

// Process transcodes the file at input, recording the result in the catalog.
//
// A leftover backup from an interrupted earlier run is restored before
// anything else happens. Once the backup of the original has been taken,
// every failure restores it before returning, so the original is never left
// missing or modified. Cancellation of the context also restores the original,
// but is not recorded in the catalog.
func (orchestrator *Orchestrator) Process(ctx context.Context, input string) Outcome {
	j := newJob(input)
	outcome := Outcome{State: START, Input: j.input, Output: j.output}

	restored, err := j.restore()
	if err != nil {
		return outcome.invalid(fmt.Errorf("failed to restore leftover backup of %s: %w", j.input, err))
	}
	if restored {
		log.Emit(logger.WARNING, "Restored %s from a backup left by an interrupted transcode\n", j.input)
	}

	if !exists(j.input) {
		if j.output != j.input && exists(j.output) {
			log.Emit(logger.WARNING, "%s is missing but %s exists; it may have been transcoded without being recorded\n", j.input, j.output)
		}
		return outcome.invalid(fmt.Errorf("%w: %s", ErrInvalidFile, j.input))
	}

	probe, err := orchestrator.prober.Probe(ctx, j.input)
	if err != nil {
		if ctx.Err() != nil {
			return outcome.cancelled(ctx.Err())
		}
		return orchestrator.fail(outcome, err)
	}

	decision, err := policy.Evaluate(probe, orchestrator.config.Policy.WithoutThresholds())
	if err != nil {
		return orchestrator.fail(outcome, err)
	}
	if decision == policy.AlreadyEncoded {
		return orchestrator.completeWithoutWork(outcome, probe)
	}

	if err := orchestrator.checkPreconditions(ctx, j); err != nil {
		if errors.Is(err, ErrOutputExists) {
			return orchestrator.fail(outcome, err)
		}
		return outcome.failed(err)
	}

	outcome.State = BACKUP_PENDING
	if err := j.takeBackup(); err != nil {
		return orchestrator.fail(outcome, err)
	}

	plan, err := orchestrator.composePlan(ctx, j, probe)
	if err != nil {
		return orchestrator.rollback(outcome, j, err)
	}

	outcome.State = ENCODING
	log.Emit(logger.INFO, "Transcoding %s -> %s\n", j.input, j.output)
	if err := orchestrator.transcoder.Transcode(ctx, plan); err != nil {
		if ctx.Err() != nil {
			return orchestrator.rollbackCancelled(outcome, j, ctx.Err())
		}
		return orchestrator.rollback(outcome, j, err)
	}
	if ctx.Err() != nil {
		return orchestrator.rollbackCancelled(outcome, j, ctx.Err())
	}

	outcome.State = VALIDATING
	if err := validateOutput(j.output); err != nil {
		return orchestrator.rollback(outcome, j, err)
	}

	if err := j.discardBackup(); err != nil {
		return orchestrator.rollback(outcome, j, fmt.Errorf("failed to remove backup after transcode: %w", err))
	}

	codec, profile := orchestrator.config.Encoder.Encoding()
	saved, err := orchestrator.catalog.MarkComplete(j.input, j.output, library.Encoding{Codec: codec, Profile: profile})
	if err != nil {
		// The output is in place, but the catalog could not be updated
		log.Emit(logger.ERROR, "Transcode of %s succeeded but could not be recorded: %v\n", j.input, err)
	}

	outcome.Kind = Committed
	outcome.State = COMMITTED
	outcome.SpaceSaved = saved
	outcome.Err = err
	log.Emit(logger.SUCCESS, "Transcoded %s (saved %s)\n", j.output, library.FormatBytes(saved))
	return outcome
}

// checkPreconditions ensures the output path is free (or is the input itself),
// and that there is enough free space to hold an output as large as the input.
func (orchestrator *Orchestrator) checkPreconditions(ctx context.Context, j job) error {
	if j.output != j.input && exists(j.output) {
		return fmt.Errorf("%w: %s", ErrOutputExists, j.output)
	}

	if orchestrator.config.SkipSpaceCheck || orchestrator.freeSpace == nil {
		return nil
	}

	info, err := os.Stat(j.input)
	if err != nil {
		return err
	}
	free, err := orchestrator.freeSpace(ctx, filepath.Dir(j.input))
	if err != nil {
		log.Emit(logger.WARNING, "Unable to determine free space for %s, continuing: %v\n", j.input, err)
		return nil
	}
	if free < uint64(info.Size()) {
		return fmt.Errorf("%w: %s free, %s required", ErrInsufficientSpace, library.FormatBytes(int64(free)), library.FormatBytes(info.Size()))
	}

	return nil
}

func (orchestrator *Orchestrator) completeWithoutWork(outcome Outcome, probe *ffmpeg.ProbeResult) Outcome {
	video := probe.PrimaryVideo()
	log.Emit(logger.INFO, "%s is already encoded, marking complete\n", outcome.Input)

	_, err := orchestrator.catalog.MarkComplete(outcome.Input, outcome.Input, library.Encoding{Codec: video.CodecName, Profile: video.Profile})
	outcome.Kind = AlreadyEncoded
	outcome.Output = outcome.Input
	outcome.Err = err
	return outcome
}

// rollback restores the original from its backup, and records the failure.
// An output which the transcoder refused to overwrite belongs to someone
// else, and survives the rollback.
func (orchestrator *Orchestrator) rollback(outcome Outcome, j job, cause error) Outcome {
	outcome.State = ROLLED_BACK
	ownsOutput := !errors.Is(cause, ffmpeg.ErrOutputExists)
	if _, err := j.restoreOriginal(ownsOutput); err != nil {
		log.Emit(logger.FATAL, "Failed to restore %s from %s: %v\n", j.input, j.backup, err)
		cause = errors.Join(cause, err)
	}

	return orchestrator.fail(outcome, cause)
}

func (orchestrator *Orchestrator) rollbackCancelled(outcome Outcome, j job, cause error) Outcome {
	outcome.State = ROLLED_BACK
	if _, err := j.restore(); err != nil {
		log.Emit(logger.FATAL, "Failed to restore %s from %s: %v\n", j.input, j.backup, err)
		cause = errors.Join(cause, err)
	}

	return outcome.cancelled(cause)
}

// fail records the failure in the catalog.
func (orchestrator *Orchestrator) fail(outcome Outcome, cause error) Outcome {
	if err := orchestrator.catalog.MarkFailed(outcome.Input, cause.Error()); err != nil {
		log.Emit(logger.ERROR, "Failed to record failure of %s: %v\n", outcome.Input, err)
		cause = errors.Join(cause, err)
	}

	return outcome.failed(cause)
}

func (outcome Outcome) failed(err error) Outcome {
	outcome.Kind = Failed
	outcome.Err = err
	return outcome
}

func (outcome Outcome) invalid(err error) Outcome {
	outcome.Kind = Invalid
	outcome.Err = err
	return outcome
}

func (outcome Outcome) cancelled(cause error) Outcome {
	outcome.Kind = Cancelled
	outcome.Err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	return outcome
}

func validateOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutputValidationFailed, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrOutputValidationFailed, path)
	}

	return nil
}

func (outcome Outcome) String() string {
	return fmt.Sprintf("Outcome{Input=%s Kind=%s State=%s Err=%v}", outcome.Input, outcome.Kind, outcome.State, outcome.Err)
}

func (s State) String() string {
	switch s {
	case START:
		return fmt.Sprintf("START[%d]", s)
	case BACKUP_PENDING:
		return fmt.Sprintf("BACKUP_PENDING[%d]", s)
	case ENCODING:
		return fmt.Sprintf("ENCODING[%d]", s)
	case VALIDATING:
		return fmt.Sprintf("VALIDATING[%d]", s)
	case COMMITTED:
		return fmt.Sprintf("COMMITTED[%d]", s)
	case ROLLED_BACK:
		return fmt.Sprintf("ROLLED_BACK[%d]", s)
	}

	return fmt.Sprintf("UNKNOWN[%d]", s)
}

func (k OutcomeKind) String() string {
	switch k {
	case Committed:
		return "committed"
	case AlreadyEncoded:
		return "already encoded"
	case Invalid:
		return "invalid"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}

	return fmt.Sprintf("unknown(%d)", k)
}
