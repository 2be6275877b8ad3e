package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
	"github.com/hbomb79/hevcify/internal/policy"
	"github.com/hbomb79/hevcify/pkg/logger"
)

const (
	SoftwareEncoder           = "libx265"
	DefaultHardwareEncoder    = "hevc_nvenc"
	DefaultPreset             = "medium"
	DefaultMaxMuxingQueueSize = 4096
)

// Sidecar subtitle extensions, in the order they are searched for.
var subtitleExtensions = []string{".ass", ".ssa", ".sub", ".srt"}

// EncoderConfig holds the settings which control how the output is encoded.
// Bit rates are in kbps, and are only applied when VariableBitRate is set.
type EncoderConfig struct {
	LowProfile          bool
	HardwareAccelerated bool
	HardwareEncoder     string
	Preset              string
	CRF                 *int
	TargetHeight        *int

	VariableBitRate bool
	BitRate         *int
	MinBitRate      *int
	MaxBitRate      *int

	// KeepCodecs stream-copies every audio and subtitle stream, regardless
	// of whether the codec is known to be compatible with matroska.
	KeepCodecs bool

	MaxMuxingQueueSize int
}

// Encoding describes the video encoding the config produces.
func (config EncoderConfig) Encoding() (codec string, profile string) {
	if config.LowProfile {
		return policy.TargetCodec, policy.MainProfile
	}

	return policy.TargetCodec, policy.Main10Profile
}

// composePlan builds the ffmpeg plan to transcode the job, reading from the
// backup of the original. Files containing image streams are rejected.
func (orchestrator *Orchestrator) composePlan(ctx context.Context, j job, probe *ffmpeg.ProbeResult) (*ffmpeg.Plan, error) {
	if len(probe.ImageStreams) > 0 {
		return nil, fmt.Errorf("%w: %d attached picture stream(s)", ErrUnsupportedStream, len(probe.ImageStreams))
	}

	config := orchestrator.config.Encoder
	plan := &ffmpeg.Plan{Input: j.backup, Output: j.output}
	plan.AddGlobal("-map_chapters", "-1")
	plan.AddGlobal("-map_metadata", "-1")

	queueSize := config.MaxMuxingQueueSize
	if queueSize <= 0 {
		queueSize = DefaultMaxMuxingQueueSize
	}
	plan.AddGlobal("-max_muxing_queue_size", strconv.Itoa(queueSize))

	for _, stream := range probe.VideoStreams {
		plan.Map(0, stream, "")
	}
	composeVideo(plan, config)

	for _, stream := range probe.AudioStreams {
		plan.Map(0, stream, policy.AudioCodecFor(stream.CodecName, config.KeepCodecs))
	}
	for _, stream := range probe.SubtitleStreams {
		plan.Map(0, stream, policy.SubtitleCodecFor(stream.CodecName, config.KeepCodecs, false))
	}
	orchestrator.composeExternalSubtitles(ctx, plan, j)

	for _, stream := range probe.AttachmentStreams {
		plan.Map(0, stream, ffmpeg.Copy)
	}

	return plan, nil
}

func composeVideo(plan *ffmpeg.Plan, config EncoderConfig) {
	plan.VideoCodec = SoftwareEncoder
	if config.HardwareAccelerated {
		plan.VideoCodec = config.HardwareEncoder
		if plan.VideoCodec == "" {
			plan.VideoCodec = DefaultHardwareEncoder
		}
	}

	if config.LowProfile {
		plan.AddVideoOption("-pix_fmt", "yuv420p")
		plan.AddVideoOption("-profile:v", "main")
	} else {
		plan.AddVideoOption("-pix_fmt", "yuv420p10le")
		plan.AddVideoOption("-profile:v", "main10")
	}

	preset := config.Preset
	if preset == "" {
		preset = DefaultPreset
	}
	plan.AddVideoOption("-preset", preset)

	if config.CRF != nil {
		// Hardware encoders have no constant rate factor, the closest is constant quality
		if config.HardwareAccelerated {
			plan.AddVideoOption("-cq", strconv.Itoa(*config.CRF))
		} else {
			plan.AddVideoOption("-crf", strconv.Itoa(*config.CRF))
		}
	}

	if config.TargetHeight != nil {
		plan.AddVideoOption("-vf", fmt.Sprintf("scale=-2:%d", *config.TargetHeight))
	}

	if config.VariableBitRate {
		if config.BitRate != nil {
			plan.AddVideoOption("-b:v", kbps(*config.BitRate))
		}
		if config.MinBitRate != nil {
			plan.AddVideoOption("-minrate", kbps(*config.MinBitRate))
		}
		if config.MaxBitRate != nil {
			plan.AddVideoOption("-maxrate", kbps(*config.MaxBitRate))
			plan.AddVideoOption("-bufsize", kbps(*config.MaxBitRate*2))
		} else if config.BitRate != nil {
			plan.AddVideoOption("-bufsize", kbps(*config.BitRate*2))
		}
	}
}

// composeExternalSubtitles adds every sidecar subtitle file belonging to the
// job as an additional input. Sidecars which cannot be probed are skipped.
func (orchestrator *Orchestrator) composeExternalSubtitles(ctx context.Context, plan *ffmpeg.Plan, j job) {
	keep := orchestrator.config.Encoder.KeepCodecs
	for _, path := range findExternalSubtitles(j.input) {
		probe, err := orchestrator.prober.Probe(ctx, path)
		if err != nil {
			log.Emit(logger.WARNING, "Ignoring external subtitle %s: %v\n", path, err)
			continue
		}
		if len(probe.SubtitleStreams) == 0 {
			log.Emit(logger.WARNING, "Ignoring external subtitle %s: no subtitle streams\n", path)
			continue
		}

		plan.ExtraInputs = append(plan.ExtraInputs, path)
		inputIndex := len(plan.ExtraInputs)
		for _, stream := range probe.SubtitleStreams {
			plan.Map(inputIndex, stream, policy.SubtitleCodecFor(stream.CodecName, keep, true))
		}
	}
}

// findExternalSubtitles returns the sidecar subtitle files of input: files in
// the same directory whose name begins with the inputs base name, and ends
// with a subtitle extension. Results are grouped by extension, then sorted by
// name. Names are compared literally, so base names containing glob meta
// characters (such as '[' or '*') need no escaping.
func findExternalSubtitles(input string) []string {
	dir := filepath.Dir(input)
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Emit(logger.WARNING, "Unable to search %s for external subtitles: %v\n", dir, err)
		return nil
	}

	found := make([]string, 0)
	for _, ext := range subtitleExtensions {
		matches := make([]string, 0)
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || len(name) < len(base)+len(ext) {
				continue
			}
			if strings.HasPrefix(name, base) && strings.HasSuffix(name, ext) {
				matches = append(matches, filepath.Join(dir, name))
			}
		}

		slices.Sort(matches)
		found = append(found, matches...)
	}

	return found
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
