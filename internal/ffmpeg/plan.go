package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/floostack/transcoder"
)

// Copy is the codec name used to pass a stream through untouched.
const Copy = "copy"

type (
	// Option is a single ffmpeg flag, with an optional value.
	Option struct {
		Flag  string
		Value string
	}

	// Mapping selects a single stream from one of the plans inputs and
	// describes how it should be written to the output. InputIndex 0 is the
	// primary input, subsequent values refer to ExtraInputs in order.
	//
	// OutputIndex is the position of the stream amongst output streams of the
	// same type, and is used to address per-stream codec selection (-c:a:1).
	// Video mappings leave Codec empty, as video codec selection is plan-wide.
	Mapping struct {
		Type        StreamType
		InputIndex  int
		StreamIndex int
		OutputIndex int
		Codec       string
	}

	// Plan is a structured ffmpeg invocation: the inputs, ordered global options,
	// ordered stream mappings, the video encoder settings and the output path. It is
	// only rendered to command-line arguments at the adapter boundary.
	Plan struct {
		Input       string
		ExtraInputs []string
		Output      string

		// Global options (overwrite policy, metadata stripping etc) in order.
		Global []Option

		Mappings []Mapping

		VideoCodec   string
		VideoOptions []Option
	}
)

var _ transcoder.Options = (*Plan)(nil)

func (plan *Plan) AddGlobal(flag string, value string) {
	plan.Global = append(plan.Global, Option{Flag: flag, Value: value})
}

func (plan *Plan) AddVideoOption(flag string, value string) {
	plan.VideoOptions = append(plan.VideoOptions, Option{Flag: flag, Value: value})
}

// Map appends a mapping for the stream provided, assigning the next
// output index for the mapping type. The assigned mapping is returned.
func (plan *Plan) Map(inputIndex int, stream Stream, codec string) Mapping {
	m := Mapping{
		Type:        stream.CodecType,
		InputIndex:  inputIndex,
		StreamIndex: stream.Index,
		OutputIndex: plan.countMappings(stream.CodecType),
		Codec:       codec,
	}
	if m.Type == VideoStream {
		m.Codec = ""
	}

	plan.Mappings = append(plan.Mappings, m)
	return m
}

// MappingsOf returns the mappings of the given type, in order.
func (plan *Plan) MappingsOf(t StreamType) []Mapping {
	out := make([]Mapping, 0)
	for _, m := range plan.Mappings {
		if m.Type == t {
			out = append(out, m)
		}
	}

	return out
}

func (plan *Plan) countMappings(t StreamType) int {
	return len(plan.MappingsOf(t))
}

// GetStrArguments renders everything between the primary input and the
// output path: the overwrite policy, extra inputs, global options, stream
// mappings with their codec selection and finally the video encoder settings.
// This satisfies the transcoder.Options contract, which is how the plan is
// handed to the ffmpeg runner.
func (plan *Plan) GetStrArguments() []string {
	// -n comes first so that it can never be shadowed by later arguments
	args := []string{"-n", "-nostdin", "-hide_banner"}
	for _, extra := range plan.ExtraInputs {
		args = append(args, "-i", extra)
	}

	for _, opt := range plan.Global {
		args = opt.appendTo(args)
	}

	hasAttachments := false
	for _, m := range plan.Mappings {
		args = append(args, "-map", fmt.Sprintf("%d:%d", m.InputIndex, m.StreamIndex))
		switch m.Type {
		case AudioStream:
			args = append(args, fmt.Sprintf("-c:a:%d", m.OutputIndex), m.Codec)
		case SubtitleStream:
			args = append(args, fmt.Sprintf("-c:s:%d", m.OutputIndex), m.Codec)
		case AttachmentStream:
			hasAttachments = true
		}
	}
	if hasAttachments {
		args = append(args, "-c:t", Copy)
	}

	if plan.VideoCodec != "" {
		args = append(args, "-c:v", plan.VideoCodec)
	}
	for _, opt := range plan.VideoOptions {
		args = opt.appendTo(args)
	}

	return args
}

// Args renders the complete ffmpeg argument list (excluding the binary name),
// in the order the runner assembles it.
func (plan *Plan) Args() []string {
	args := []string{"-i", plan.Input}
	args = append(args, plan.GetStrArguments()...)
	return append(args, plan.Output)
}

func (plan *Plan) String() string {
	return strings.Join(plan.Args(), " ")
}

func (opt Option) appendTo(args []string) []string {
	args = append(args, opt.Flag)
	if opt.Value != "" {
		args = append(args, opt.Value)
	}

	return args
}
