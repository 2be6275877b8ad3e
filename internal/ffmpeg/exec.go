package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	ffmpegcli "github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/hevcify/pkg/logger"
)

var (
	ErrToolInvocationFailed = errors.New("ffmpeg invocation failed")
	ErrOutputExists         = errors.New("output path already exists")
)

type (
	Transcoder interface {
		// Transcode executes the plan provided, producing exactly one output
		// file at plan.Output. An existing file at the output path is never
		// overwritten.
		Transcode(ctx context.Context, plan *Plan) error
	}

	Config struct {
		FfmpegBinPath string
		// FfprobeBinPath is used by the runner to read the input duration,
		// from which progress percentages are derived.
		FfprobeBinPath string
		// Verbose passes the ffmpeg stderr stream through to stdout. Progress
		// is not reported while verbose.
		Verbose bool
		// OnProgress receives progress updates. If nil, progress is logged
		// every ten percent.
		OnProgress ProgressCallback
	}

	FfmpegTranscoder struct {
		config Config
	}

	// InvocationError is returned when ffmpeg could not be started, or
	// exited unsuccessfully. ExitCode is -1 if ffmpeg never ran or was
	// killed by a signal.
	InvocationError struct {
		ExitCode int
		Err      error
	}
)

func (e *InvocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	}

	return fmt.Sprintf("ffmpeg exited with code %d: %v", e.ExitCode, e.Err)
}

func (e *InvocationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolInvocationFailed}
	}

	return []error{ErrToolInvocationFailed, e.Err}
}

func NewTranscoder(config Config) *FfmpegTranscoder {
	if config.FfmpegBinPath == "" {
		config.FfmpegBinPath = "ffmpeg"
	}
	if config.FfprobeBinPath == "" {
		config.FfprobeBinPath = "ffprobe"
	}

	return &FfmpegTranscoder{config: config}
}

func (t *FfmpegTranscoder) Transcode(ctx context.Context, plan *Plan) error {
	if _, err := os.Stat(plan.Output); err == nil {
		return fmt.Errorf("refusing to transcode to %s: %w", plan.Output, ErrOutputExists)
	}

	log.Emit(logger.DEBUG, "Running %s %s\n", t.config.FfmpegBinPath, plan)
	instance := ffmpegcli.
		New(&ffmpegcli.Config{
			ProgressEnabled: true,
			Verbose:         t.config.Verbose,
			FfmpegBinPath:   t.config.FfmpegBinPath,
			FfprobeBinPath:  t.config.FfprobeBinPath,
		}).
		Input(plan.Input).
		Output(plan.Output).
		WithContext(&ctx)

	progressChannel, err := instance.Start(plan)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}

		return &InvocationError{ExitCode: -1, Err: err}
	}

	// When verbose, Start only returns once ffmpeg has exited and the
	// progress channel is never closed.
	if !t.config.Verbose {
		onProgress := t.config.OnProgress
		if onProgress == nil {
			onProgress = logProgress(plan.Output)
		}

		for {
			progress, ok := <-progressChannel
			if !ok {
				log.Emit(logger.DEBUG, "FFmpeg closed progress channel for %s\n", plan.Output)
				break
			}

			onProgress(progress)
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
	}

	return exitStatus(instance.GetRunningCmdInstance())
}

// exitStatus inspects the state of an ffmpeg process which has been waited
// on, returning an InvocationError unless it exited successfully.
func exitStatus(cmd *exec.Cmd) error {
	if cmd == nil || cmd.ProcessState == nil {
		return &InvocationError{ExitCode: -1, Err: errors.New("ffmpeg process state unavailable")}
	}

	state := cmd.ProcessState
	if state.Success() {
		return nil
	}
	if code := state.ExitCode(); code >= 0 {
		return &InvocationError{ExitCode: code}
	}

	return &InvocationError{ExitCode: -1, Err: errors.New(state.String())}
}
