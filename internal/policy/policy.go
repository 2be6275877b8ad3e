// Package policy decides whether a probed media file already satisfies
// the encoding policy, should be skipped, or needs to be re-encoded. It
// also holds the codec compatibility matrices used when planning a transcode.
//
// Everything in this package is a pure function of its inputs.
package policy

import (
	"errors"
	"fmt"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
)

const (
	// TargetCodec is the codec name (as reported by ffprobe) that files are encoded to.
	TargetCodec = "hevc"

	// MainProfile is the 8-bit HEVC profile required of files when profile
	// enforcement is enabled. Main10Profile is its 10-bit counterpart.
	MainProfile   = "Main"
	Main10Profile = "Main 10"
)

var ErrNoVideoStream = errors.New("file contains no video streams")

type Decision int

const (
	NeedsEncode Decision = iota
	AlreadyEncoded
	Skip
)

// Config controls policy evaluation. Nil thresholds are not enforced.
type Config struct {
	TargetCodec    string
	EnforceProfile bool
	TargetHeight   *int

	// Bit rate bounds, in kbps.
	BitRateFloor   *int64
	BitRateCeiling *int64

	HeightFloor   *int
	HeightCeiling *int

	Force bool
}

func DefaultConfig() Config {
	return Config{TargetCodec: TargetCodec}
}

// WithoutThresholds returns a copy of the config with every threshold
// removed; thresholds only apply when a file is first catalogued.
func (c Config) WithoutThresholds() Config {
	c.BitRateFloor, c.BitRateCeiling = nil, nil
	c.HeightFloor, c.HeightCeiling = nil, nil
	return c
}

func (c Config) targetCodec() string {
	if c.TargetCodec == "" {
		return TargetCodec
	}

	return c.TargetCodec
}

// Evaluate applies the policy to the probe result. The precedence is:
// missing video, then thresholds, then force, then the IsEncoded check.
func Evaluate(probe *ffmpeg.ProbeResult, config Config) (Decision, error) {
	if probe.PrimaryVideo() == nil {
		return NeedsEncode, ErrNoVideoStream
	}

	if violatesThresholds(probe, config) {
		return Skip, nil
	}

	if config.Force {
		return NeedsEncode, nil
	}

	if IsEncoded(probe, config) {
		return AlreadyEncoded, nil
	}

	return NeedsEncode, nil
}

// IsEncoded reports whether the first video stream of the probe satisfies the
// target codec, and (when configured) the profile and height requirements.
//
// Only the first video stream is inspected. Files with multiple primary
// video streams are judged solely on the first.
func IsEncoded(probe *ffmpeg.ProbeResult, config Config) bool {
	video := probe.PrimaryVideo()
	if video == nil {
		return false
	}

	if video.CodecName != config.targetCodec() {
		return false
	}
	if config.EnforceProfile && video.Profile != MainProfile {
		return false
	}
	if config.TargetHeight != nil && video.Height != *config.TargetHeight {
		return false
	}

	return true
}

// violatesThresholds reports whether any configured floor/ceiling is violated. Values
// that the prober could not report (such as a missing bit rate) never violate a threshold.
func violatesThresholds(probe *ffmpeg.ProbeResult, config Config) bool {
	if probe.BitRate != nil {
		bitRate := *probe.BitRate
		if config.BitRateFloor != nil && bitRate < *config.BitRateFloor {
			return true
		}
		if config.BitRateCeiling != nil && bitRate > *config.BitRateCeiling {
			return true
		}
	}

	if height := probe.PrimaryVideo().Height; height > 0 {
		if config.HeightFloor != nil && height < *config.HeightFloor {
			return true
		}
		if config.HeightCeiling != nil && height > *config.HeightCeiling {
			return true
		}
	}

	return false
}

func (d Decision) String() string {
	switch d {
	case NeedsEncode:
		return fmt.Sprintf("NEEDS_ENCODE[%d]", d)
	case AlreadyEncoded:
		return fmt.Sprintf("ALREADY_ENCODED[%d]", d)
	case Skip:
		return fmt.Sprintf("SKIP[%d]", d)
	}

	return fmt.Sprintf("UNKNOWN[%d]", d)
}
