package ffmpeg

import (
	"math"

	"github.com/floostack/transcoder"
	"github.com/hbomb79/hevcify/pkg/logger"
)

// ProgressCallback receives each progress update reported by a running ffmpeg.
type ProgressCallback func(transcoder.Progress)

// logProgress returns a callback which logs each time the transcode of path
// passes another tenth of its duration.
func logProgress(path string) ProgressCallback {
	lastStep := 0
	return func(p transcoder.Progress) {
		// Inputs of unknown duration report NaN or Inf
		percentage := p.GetProgress()
		if math.IsNaN(percentage) || math.IsInf(percentage, 0) {
			return
		}

		step := int(percentage / 10)
		if step <= lastStep {
			return
		}

		lastStep = step
		log.Emit(logger.INFO, "Transcoding %s: %.0f%% (time=%s speed=%s)\n", path, percentage, p.GetCurrentTime(), p.GetSpeed())
	}
}
