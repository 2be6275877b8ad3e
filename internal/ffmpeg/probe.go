package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"

	"github.com/hbomb79/hevcify/pkg/logger"
	"github.com/mitchellh/mapstructure"
)

var log = logger.Get("FFmpeg")

var ErrProbeFailure = errors.New("media probe failed")

type StreamType string

const (
	VideoStream      StreamType = "video"
	AudioStream      StreamType = "audio"
	SubtitleStream   StreamType = "subtitle"
	AttachmentStream StreamType = "attachment"
)

type (
	// Stream is a single stream reported by ffprobe. Profile, Width
	// and Height are zero-valued when ffprobe does not report them.
	Stream struct {
		Index           int
		CodecType       StreamType
		CodecName       string
		Profile         string
		Width           int
		Height          int
		AttachedPicture bool
	}

	// ProbeResult is the typed result of probing a single file. Video
	// streams flagged as attached pictures (cover art) are held in
	// ImageStreams and never in VideoStreams.
	ProbeResult struct {
		VideoStreams      []Stream
		AudioStreams      []Stream
		SubtitleStreams   []Stream
		AttachmentStreams []Stream
		ImageStreams      []Stream

		Size     int64
		Duration float64
		// BitRate is the container average bit rate in kbps, nil if unknown.
		BitRate *int64
	}

	Prober interface {
		Probe(ctx context.Context, path string) (*ProbeResult, error)
	}

	// FfprobeProber probes files by invoking the ffprobe binary.
	FfprobeProber struct {
		BinPath string
	}

	ProbeError struct {
		Path string
		Err  error
	}
)

func (e *ProbeError) Error() string {
	return fmt.Sprintf("failed to probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() []error { return []error{ErrProbeFailure, e.Err} }

// PrimaryVideo returns the first playable video stream, or nil.
func (r *ProbeResult) PrimaryVideo() *Stream {
	if len(r.VideoStreams) == 0 {
		return nil
	}

	return &r.VideoStreams[0]
}

func NewProber(binPath string) *FfprobeProber {
	if binPath == "" {
		binPath = "ffprobe"
	}

	return &FfprobeProber{BinPath: binPath}
}

func (prober *FfprobeProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, prober.BinPath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			log.Emit(logger.DEBUG, "ffprobe stderr for %s: %s\n", path, stderr.String())
		}
		return nil, &ProbeError{Path: path, Err: err}
	}

	result, err := ParseProbeOutput(out)
	if err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}

	return result, nil
}

// ffprobe emits most numbers as JSON strings; the raw output is decoded
// in to a generic map and then weakly decoded in to these wire types.
type (
	probeOutput struct {
		Format  probeFormat   `mapstructure:"format"`
		Streams []probeStream `mapstructure:"streams"`
	}

	probeFormat struct {
		Size     int64   `mapstructure:"size"`
		Duration float64 `mapstructure:"duration"`
		BitRate  *int64  `mapstructure:"bit_rate"`
	}

	probeStream struct {
		Index       int            `mapstructure:"index"`
		CodecType   string         `mapstructure:"codec_type"`
		CodecName   string         `mapstructure:"codec_name"`
		Profile     string         `mapstructure:"profile"`
		Width       int            `mapstructure:"width"`
		Height      int            `mapstructure:"height"`
		Disposition map[string]int `mapstructure:"disposition"`
	}
)

// ParseProbeOutput converts raw ffprobe JSON output in to a ProbeResult.
func ParseProbeOutput(data []byte) (*ProbeResult, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ffprobe output is not valid JSON: %w", err)
	}
	if _, ok := raw["streams"]; !ok {
		return nil, errors.New("ffprobe output contains no streams section")
	}
	if _, ok := raw["format"]; !ok {
		return nil, errors.New("ffprobe output contains no format section")
	}

	var output probeOutput
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &output,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("ffprobe output does not match expected schema: %w", err)
	}

	result := &ProbeResult{
		Size:     output.Format.Size,
		Duration: output.Format.Duration,
	}
	if output.Format.BitRate != nil {
		kbps := int64(math.Round(float64(*output.Format.BitRate) / 1000))
		result.BitRate = &kbps
	}

	for _, s := range output.Streams {
		stream := Stream{
			Index:           s.Index,
			CodecType:       StreamType(s.CodecType),
			CodecName:       s.CodecName,
			Profile:         s.Profile,
			Width:           s.Width,
			Height:          s.Height,
			AttachedPicture: s.Disposition["attached_pic"] == 1,
		}

		switch stream.CodecType {
		case VideoStream:
			if stream.AttachedPicture {
				result.ImageStreams = append(result.ImageStreams, stream)
			} else {
				result.VideoStreams = append(result.VideoStreams, stream)
			}
		case AudioStream:
			result.AudioStreams = append(result.AudioStreams, stream)
		case SubtitleStream:
			result.SubtitleStreams = append(result.SubtitleStreams, stream)
		case AttachmentStream:
			result.AttachmentStreams = append(result.AttachmentStreams, stream)
		}
	}

	return result, nil
}
