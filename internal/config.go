package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/hevcify/internal/ffmpeg"
	"github.com/hbomb79/hevcify/internal/policy"
	"github.com/hbomb79/hevcify/internal/scan"
	"github.com/hbomb79/hevcify/internal/transcode"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

const DefaultCatalogPath = "~/.config/hevcify/library.json"

// HevcifyConfig is the struct used to contain the various user config
// supplied by file, environment, or the command line. A zero threshold
// or bit rate is treated as unset.
type HevcifyConfig struct {
	CatalogPath string        `yaml:"catalog" env:"HEVCIFY_CATALOG" env-default:"~/.config/hevcify/library.json" validate:"required"`
	LogFilePath string        `yaml:"log_file" env:"HEVCIFY_LOG_FILE"`
	Tools       ToolsConfig   `yaml:"tools"`
	Policy      PolicyConfig  `yaml:"policy"`
	Encoder     EncoderConfig `yaml:"encoder"`
	Watch       WatchConfig   `yaml:"watch"`
}

type ToolsConfig struct {
	FfmpegBinPath  string `yaml:"ffmpeg_path" env:"HEVCIFY_FFMPEG_PATH" env-default:"ffmpeg" validate:"required"`
	FfprobeBinPath string `yaml:"ffprobe_path" env:"HEVCIFY_FFPROBE_PATH" env-default:"ffprobe" validate:"required"`
}

// PolicyConfig is the subset of the configuration which decides whether
// files are considered already encoded. Bit rates are in kbps.
type PolicyConfig struct {
	TargetHeight   int   `yaml:"target_height" env:"HEVCIFY_TARGET_HEIGHT" validate:"gte=0"`
	MinHeight      int   `yaml:"min_height" env:"HEVCIFY_MIN_HEIGHT" validate:"gte=0"`
	MaxHeight      int   `yaml:"max_height" env:"HEVCIFY_MAX_HEIGHT" validate:"gte=0"`
	MinBitRate     int64 `yaml:"min_bitrate" env:"HEVCIFY_MIN_BITRATE" validate:"gte=0"`
	MaxBitRate     int64 `yaml:"max_bitrate" env:"HEVCIFY_MAX_BITRATE" validate:"gte=0"`
	EnforceProfile bool  `yaml:"enforce_profile" env:"HEVCIFY_ENFORCE_PROFILE"`
	Force          bool  `yaml:"force" env:"HEVCIFY_FORCE"`
}

// EncoderConfig controls the ffmpeg output. Bit rates are in kbps.
type EncoderConfig struct {
	LowProfile          bool   `yaml:"low_profile" env:"HEVCIFY_LOW_PROFILE"`
	HardwareAccelerated bool   `yaml:"hwaccel" env:"HEVCIFY_HWACCEL"`
	HardwareEncoder     string `yaml:"hwaccel_encoder" env:"HEVCIFY_HWACCEL_ENCODER" env-default:"hevc_nvenc" validate:"required"`
	Preset              string `yaml:"preset" env:"HEVCIFY_PRESET" env-default:"medium" validate:"required"`
	CRF                 int    `yaml:"crf" env:"HEVCIFY_CRF" validate:"gte=0,lte=51"`
	VariableBitRate     bool   `yaml:"vbr" env:"HEVCIFY_VBR"`
	BitRate             int    `yaml:"bitrate" env:"HEVCIFY_BITRATE" validate:"gte=0"`
	MinBitRate          int    `yaml:"min_bitrate" env:"HEVCIFY_VBR_MIN_BITRATE" validate:"gte=0"`
	MaxBitRate          int    `yaml:"max_bitrate" env:"HEVCIFY_VBR_MAX_BITRATE" validate:"gte=0"`
	KeepCodecs          bool   `yaml:"keep_codecs" env:"HEVCIFY_KEEP_CODECS"`
	MaxMuxingQueueSize  int    `yaml:"max_muxing_queue_size" env:"HEVCIFY_MAX_MUXING_QUEUE_SIZE" env-default:"4096" validate:"gt=0"`
	SkipSpaceCheck      bool   `yaml:"skip_space_check" env:"HEVCIFY_SKIP_SPACE_CHECK"`
}

type WatchConfig struct {
	QuietPeriod       time.Duration `yaml:"quiet_period" env:"HEVCIFY_WATCH_QUIET_PERIOD" env-default:"5s" validate:"gt=0"`
	ForceSyncInterval time.Duration `yaml:"force_sync_interval" env:"HEVCIFY_WATCH_FORCE_SYNC" env-default:"10m" validate:"gt=0"`
}

// LoadConfig reads the YAML file at configPath (if one is given) and the
// HEVCIFY_* environment in to a new HevcifyConfig. The config is not
// validated, as command line flags are expected to be applied on top of it.
func LoadConfig(configPath string) (*HevcifyConfig, error) {
	config := &HevcifyConfig{}
	if configPath == "" {
		if err := cleanenv.ReadEnv(config); err != nil {
			return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
		}

		return config, nil
	}

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFromFile loads a configuration file formatted in YAML in to the config.
// Environment variables take precedence over the file.
func (config *HevcifyConfig) LoadFromFile(configPath string) error {
	path, err := homedir.Expand(configPath)
	if err != nil {
		return fmt.Errorf("failed to expand config path %s: %w", configPath, err)
	}

	if err := cleanenv.ReadConfig(path, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}

	return nil
}

// Validate expands the paths held by the config, and then checks that
// every value is within range.
func (config *HevcifyConfig) Validate() error {
	var err error
	if config.CatalogPath, err = expandPath(config.CatalogPath); err != nil {
		return err
	}
	if config.LogFilePath, err = expandPath(config.LogFilePath); err != nil {
		return err
	}

	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	p := config.Policy
	if p.MinHeight > 0 && p.MaxHeight > 0 && p.MinHeight > p.MaxHeight {
		return errors.New("invalid configuration: min_height exceeds max_height")
	}
	if p.MinBitRate > 0 && p.MaxBitRate > 0 && p.MinBitRate > p.MaxBitRate {
		return errors.New("invalid configuration: min_bitrate exceeds max_bitrate")
	}

	e := config.Encoder
	if e.MinBitRate > 0 && e.MaxBitRate > 0 && e.MinBitRate > e.MaxBitRate {
		return errors.New("invalid configuration: encoder min_bitrate exceeds max_bitrate")
	}

	return nil
}

func (config *HevcifyConfig) PolicyConfig() policy.Config {
	p := config.Policy
	return policy.Config{
		TargetCodec:    policy.TargetCodec,
		EnforceProfile: p.EnforceProfile,
		TargetHeight:   positive(p.TargetHeight),
		BitRateFloor:   positive(p.MinBitRate),
		BitRateCeiling: positive(p.MaxBitRate),
		HeightFloor:    positive(p.MinHeight),
		HeightCeiling:  positive(p.MaxHeight),
		Force:          p.Force,
	}
}

func (config *HevcifyConfig) TranscodeConfig() transcode.Config {
	e := config.Encoder

	// A CRF of zero is lossless, which is never what a space saving tool wants,
	// so zero is treated as unset like every other numeric setting.
	return transcode.Config{
		Policy: config.PolicyConfig(),
		Encoder: transcode.EncoderConfig{
			LowProfile:          e.LowProfile,
			HardwareAccelerated: e.HardwareAccelerated,
			HardwareEncoder:     e.HardwareEncoder,
			Preset:              e.Preset,
			CRF:                 positive(e.CRF),
			TargetHeight:        positive(config.Policy.TargetHeight),
			VariableBitRate:     e.VariableBitRate,
			BitRate:             positive(e.BitRate),
			MinBitRate:          positive(e.MinBitRate),
			MaxBitRate:          positive(e.MaxBitRate),
			KeepCodecs:          e.KeepCodecs,
			MaxMuxingQueueSize:  e.MaxMuxingQueueSize,
		},
		SkipSpaceCheck: e.SkipSpaceCheck,
	}
}

func (config *HevcifyConfig) ScanConfig() scan.Config {
	return scan.Config{
		Policy:            config.PolicyConfig(),
		QuietPeriod:       config.Watch.QuietPeriod,
		ForceSyncInterval: config.Watch.ForceSyncInterval,
	}
}

func (config *HevcifyConfig) TranscoderConfig(verbose bool) ffmpeg.Config {
	return ffmpeg.Config{
		FfmpegBinPath:  config.Tools.FfmpegBinPath,
		FfprobeBinPath: config.Tools.FfprobeBinPath,
		Verbose:        verbose,
	}
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand path %s: %w", path, err)
	}

	return filepath.Clean(os.ExpandEnv(expanded)), nil
}

func positive[T int | int64](v T) *T {
	if v <= 0 {
		return nil
	}

	return &v
}
