package policy

import (
	"slices"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
)

const (
	DefaultAudioCodec            = "aac"
	DefaultSubtitleCodec         = "ass"
	DefaultExternalSubtitleCodec = "srt"
)

// Codecs which may be stream-copied in to a matroska container untouched.
var (
	compatibleAudioCodecs = []string{
		"aac", "ac3", "dts", "dts-hd", "lpcm", "mlp", "mp3", "pcm", "wma",
	}

	compatibleSubtitleCodecs = []string{
		"ass", "dvd_subtitle", "hdmv_pgs_subtitle", "sami", "srt", "ssa",
		"sub", "subrip", "usf", "xsub",
	}
)

func AudioCompatible(codec string) bool {
	return slices.Contains(compatibleAudioCodecs, codec)
}

func SubtitleCompatible(codec string) bool {
	return slices.Contains(compatibleSubtitleCodecs, codec)
}

// AudioCodecFor returns the output codec for an audio stream: a copy of
// compatible (or all, when keepAll is set) streams, else the default codec.
func AudioCodecFor(codec string, keepAll bool) string {
	if keepAll || AudioCompatible(codec) {
		return ffmpeg.Copy
	}

	return DefaultAudioCodec
}

// SubtitleCodecFor returns the output codec for an embedded (or, when external
// is set, a sidecar) subtitle stream.
func SubtitleCodecFor(codec string, keepAll bool, external bool) string {
	if keepAll || SubtitleCompatible(codec) {
		return ffmpeg.Copy
	}
	if external {
		return DefaultExternalSubtitleCodec
	}

	return DefaultSubtitleCodec
}
