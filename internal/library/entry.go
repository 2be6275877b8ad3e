package library

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
)

var (
	ErrInvalidDirectory = errors.New("not an existing directory")
	ErrExhaustedLibrary = errors.New("no incomplete files remain in the library")
	ErrCatalogLocked    = errors.New("catalog is locked by another process")
	ErrUnknownBucket    = errors.New("unknown catalog bucket")
)

// Bucket is one of the four mutually exclusive per-file state sets
// held by the catalog. The value is the key used in the catalog document.
type Bucket string

const (
	Incomplete Bucket = "incomplete_files"
	Skipped    Bucket = "skipped_files"
	Complete   Bucket = "complete_files"
	Failed     Bucket = "failed_files"
)

var AllBuckets = []Bucket{Incomplete, Skipped, Complete, Failed}

// ParseBuckets converts the user facing bucket name (incomplete, skipped, complete,
// failed or all) in to the buckets it refers to.
func ParseBuckets(name string) ([]Bucket, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "incomplete":
		return []Bucket{Incomplete}, nil
	case "skipped":
		return []Bucket{Skipped}, nil
	case "complete":
		return []Bucket{Complete}, nil
	case "failed", "errors":
		return []Bucket{Failed}, nil
	case "all":
		return AllBuckets, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownBucket, name)
}

type (
	// Entry is the persisted metadata for a single media file. Optional
	// attributes are pointers so that "unknown" and "zero" stay distinct in
	// the document.
	Entry struct {
		Filepath      string  `json:"filepath"`
		VideoCodec    string  `json:"video_codec,omitempty"`
		VideoProfile  string  `json:"video_profile,omitempty"`
		Height        *int    `json:"height,omitempty"`
		Width         *int    `json:"width,omitempty"`
		FileSize      int64   `json:"file_size"`
		Duration      float64 `json:"duration"`
		BitRate       *int64  `json:"bit_rate,omitempty"`
		OriginalCodec string  `json:"original_codec,omitempty"`
		SpaceSaved    *int64  `json:"space_saved,omitempty"`
		ErrorMessage  string  `json:"error_message,omitempty"`
	}

	// Encoding describes the video encoding of a freshly committed output.
	Encoding struct {
		Codec   string
		Profile string
	}

	Counts struct {
		Incomplete int
		Skipped    int
		Complete   int
		Failed     int
	}
)

// NewEntry builds a catalog entry from the probe result of the file at path.
func NewEntry(path string, probe *ffmpeg.ProbeResult) *Entry {
	entry := &Entry{
		Filepath: path,
		FileSize: probe.Size,
		Duration: probe.Duration,
		BitRate:  probe.BitRate,
	}

	if video := probe.PrimaryVideo(); video != nil {
		entry.VideoCodec = video.CodecName
		entry.VideoProfile = video.Profile
		if video.Height > 0 {
			height := video.Height
			entry.Height = &height
		}
		if video.Width > 0 {
			width := video.Width
			entry.Width = &width
		}
	}

	return entry
}

func (entry *Entry) clone() *Entry {
	c := *entry
	return &c
}

func (entry *Entry) String() string {
	return fmt.Sprintf("Entry{path=%s codec=%s profile=%s size=%d}", entry.Filepath, entry.VideoCodec, entry.VideoProfile, entry.FileSize)
}

func (c Counts) Total() int {
	return c.Incomplete + c.Skipped + c.Complete + c.Failed
}
