package ffmpeg_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/floostack/transcoder"

	"github.com/hbomb79/hevcify/internal/ffmpeg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbe = `{
	"streams": [
		{"index": 0, "codec_name": "h264", "codec_type": "video", "profile": "High", "width": 1920, "height": 1080, "disposition": {"default": 1, "attached_pic": 0}},
		{"index": 1, "codec_name": "flac", "codec_type": "audio", "disposition": {"default": 1, "attached_pic": 0}},
		{"index": 2, "codec_name": "subrip", "codec_type": "subtitle", "disposition": {"default": 0, "attached_pic": 0}},
		{"index": 3, "codec_name": "ttf", "codec_type": "attachment", "disposition": {"default": 0, "attached_pic": 0}},
		{"index": 4, "codec_name": "mjpeg", "codec_type": "video", "width": 600, "height": 600, "disposition": {"default": 0, "attached_pic": 1}}
	],
	"format": {"filename": "movie.mkv", "size": "104857600", "duration": "3600.480000", "bit_rate": "232999"}
}`

func Test_ParseProbeOutput_ClassifiesStreams(t *testing.T) {
	result, err := ffmpeg.ParseProbeOutput([]byte(sampleProbe))
	require.NoError(t, err)

	require.Len(t, result.VideoStreams, 1)
	assert.Equal(t, "h264", result.VideoStreams[0].CodecName)
	assert.Equal(t, 1080, result.VideoStreams[0].Height)
	assert.Len(t, result.AudioStreams, 1)
	assert.Len(t, result.SubtitleStreams, 1)
	assert.Len(t, result.AttachmentStreams, 1)

	require.Len(t, result.ImageStreams, 1, "attached pictures must never be treated as playable video")
	assert.Equal(t, 4, result.ImageStreams[0].Index)
	assert.True(t, result.ImageStreams[0].AttachedPicture)

	assert.Equal(t, int64(104857600), result.Size)
	assert.InDelta(t, 3600.48, result.Duration, 0.001)
	require.NotNil(t, result.BitRate)
	assert.Equal(t, int64(233), *result.BitRate)
	assert.Equal(t, "h264", result.PrimaryVideo().CodecName)
}

func Test_ParseProbeOutput_MissingBitRate(t *testing.T) {
	result, err := ffmpeg.ParseProbeOutput([]byte(`{"streams": [], "format": {"size": "10"}}`))
	require.NoError(t, err)
	assert.Nil(t, result.BitRate)
	assert.Nil(t, result.PrimaryVideo())
}

func Test_ParseProbeOutput_RejectsUnexpectedSchema(t *testing.T) {
	for name, input := range map[string]string{
		"not json":       `this is not json`,
		"no streams":     `{"format": {}}`,
		"no format":      `{"streams": []}`,
		"wrong disp":     `{"streams": [{"index": 0, "disposition": "nope"}], "format": {}}`,
		"non-numeric sz": `{"streams": [], "format": {"size": "large"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ffmpeg.ParseProbeOutput([]byte(input))
			assert.Error(t, err)
		})
	}
}

func Test_PlanArgs_Ordering(t *testing.T) {
	plan := &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: "/in/movie.mkv", ExtraInputs: []string{"/in/movie.en.srt"}}
	plan.AddGlobal("-map_chapters", "-1")
	plan.Map(0, ffmpeg.Stream{Index: 0, CodecType: ffmpeg.VideoStream}, "")
	plan.Map(0, ffmpeg.Stream{Index: 1, CodecType: ffmpeg.AudioStream}, ffmpeg.Copy)
	plan.Map(0, ffmpeg.Stream{Index: 2, CodecType: ffmpeg.AudioStream}, "aac")
	plan.Map(1, ffmpeg.Stream{Index: 0, CodecType: ffmpeg.SubtitleStream}, "srt")
	plan.Map(0, ffmpeg.Stream{Index: 3, CodecType: ffmpeg.AttachmentStream}, "")
	plan.VideoCodec = "libx265"
	plan.AddVideoOption("-pix_fmt", "yuv420p10le")

	assert.Equal(t, []string{
		"-i", "/in/movie.avi.bk", "-n", "-nostdin", "-hide_banner",
		"-i", "/in/movie.en.srt",
		"-map_chapters", "-1",
		"-map", "0:0",
		"-map", "0:1", "-c:a:0", "copy",
		"-map", "0:2", "-c:a:1", "aac",
		"-map", "1:0", "-c:s:0", "srt",
		"-map", "0:3",
		"-c:t", "copy",
		"-c:v", "libx265",
		"-pix_fmt", "yuv420p10le",
		"/in/movie.mkv",
	}, plan.Args())
}

// writeScript creates an executable shell script which stands in for
// an external binary.
func writeScript(t *testing.T, name string, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-ins are not supported on windows")
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func Test_FfprobeProber_Probe(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "probe.json")
	require.NoError(t, os.WriteFile(fixture, []byte(sampleProbe), 0o644))

	prober := ffmpeg.NewProber(writeScript(t, "ffprobe", "cat "+fixture+"\n"))
	result, err := prober.Probe(context.Background(), "/some/movie.mkv")
	require.NoError(t, err)
	assert.Len(t, result.VideoStreams, 1)
}

func Test_FfprobeProber_ProbeFailure(t *testing.T) {
	prober := ffmpeg.NewProber(writeScript(t, "ffprobe", "exit 1\n"))
	_, err := prober.Probe(context.Background(), "/some/not-media.mkv")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ffmpeg.ErrProbeFailure))

	var probeErr *ffmpeg.ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Equal(t, "/some/not-media.mkv", probeErr.Path)
}

// fakeProbe returns an ffprobe stand-in which reports a one hour input, as
// read by the ffmpeg runner before it starts the transcode.
func fakeProbe(t *testing.T) string {
	t.Helper()
	return writeScript(t, "ffprobe", `echo '{"format": {"duration": "3600.000000"}, "streams": []}'`+"\n")
}

func newTestTranscoder(t *testing.T, ffmpegBody string, onProgress ffmpeg.ProgressCallback) *ffmpeg.FfmpegTranscoder {
	t.Helper()
	return ffmpeg.NewTranscoder(ffmpeg.Config{
		FfmpegBinPath:  writeScript(t, "ffmpeg", ffmpegBody),
		FfprobeBinPath: fakeProbe(t),
		OnProgress:     onProgress,
	})
}

func Test_FfmpegTranscoder_Success(t *testing.T) {
	// The stand-in writes some bytes to its final argument (the output path).
	executor := newTestTranscoder(t, `for last; do :; done; printf 'encoded' > "$last"`+"\n", nil)
	out := filepath.Join(t.TempDir(), "movie.mkv")

	err := executor.Transcode(context.Background(), &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: out})
	require.NoError(t, err)

	contents, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "encoded", string(contents))
}

func Test_FfmpegTranscoder_PassesPlanArguments(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	executor := newTestTranscoder(t, `printf '%s\n' "$@" > `+argsFile+"\n", nil)

	plan := &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: filepath.Join(dir, "movie.mkv")}
	plan.VideoCodec = "libx265"
	require.NoError(t, executor.Transcode(context.Background(), plan))

	contents, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, plan.Args(), strings.Fields(string(contents)))
}

func Test_FfmpegTranscoder_NonZeroExit(t *testing.T) {
	executor := newTestTranscoder(t, "echo 'Unknown encoder' >&2\nexit 3\n", nil)
	out := filepath.Join(t.TempDir(), "movie.mkv")

	err := executor.Transcode(context.Background(), &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: out})
	require.Error(t, err)
	assert.ErrorIs(t, err, ffmpeg.ErrToolInvocationFailed)

	var invocationErr *ffmpeg.InvocationError
	require.ErrorAs(t, err, &invocationErr)
	assert.Equal(t, 3, invocationErr.ExitCode)
	assert.Contains(t, invocationErr.Error(), "code 3")
}

func Test_FfmpegTranscoder_ProbeFailurePreventsStart(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "movie.mkv")
	executor := ffmpeg.NewTranscoder(ffmpeg.Config{
		FfmpegBinPath:  writeScript(t, "ffmpeg", `for last; do :; done; printf 'encoded' > "$last"`+"\n"),
		FfprobeBinPath: writeScript(t, "ffprobe", "exit 1\n"),
	})

	err := executor.Transcode(context.Background(), &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: out})
	assert.ErrorIs(t, err, ffmpeg.ErrToolInvocationFailed)

	var invocationErr *ffmpeg.InvocationError
	require.ErrorAs(t, err, &invocationErr)
	assert.Equal(t, -1, invocationErr.ExitCode)
	assert.NoFileExists(t, out)
}

func Test_FfmpegTranscoder_NeverOverwrites(t *testing.T) {
	executor := newTestTranscoder(t, "exit 0\n", nil)
	out := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(out, []byte("precious"), 0o644))

	err := executor.Transcode(context.Background(), &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: out})
	assert.ErrorIs(t, err, ffmpeg.ErrOutputExists)

	contents, _ := os.ReadFile(out)
	assert.Equal(t, "precious", string(contents))
}

// sampleStats is what ffmpeg writes to stderr while encoding. The stand-in
// lingers after writing it so the runner has read every line before exit.
const sampleStats = `frame=  120 fps= 24 q=28.0 size=    1024kB time=00:30:00.00 bitrate=1500.2kbits/s speed=1.5x
frame=  240 fps= 24 q=28.0 size=    2048kB time=01:00:00.00 bitrate=1499.9kbits/s speed=1.6x
`

func Test_FfmpegTranscoder_ReportsProgress(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "stats.txt")
	require.NoError(t, os.WriteFile(fixture, []byte(sampleStats), 0o644))

	updates := make([]transcoder.Progress, 0)
	executor := newTestTranscoder(t, `cat `+fixture+` >&2; sleep 1; for last; do :; done; printf 'encoded' > "$last"`+"\n", func(p transcoder.Progress) {
		updates = append(updates, p)
	})

	require.NoError(t, executor.Transcode(context.Background(), &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: filepath.Join(dir, "movie.mkv")}))
	require.Len(t, updates, 2)
	assert.Equal(t, "120", updates[0].GetFramesProcessed())
	assert.Equal(t, "00:30:00.00", updates[0].GetCurrentTime())
	assert.Equal(t, "1.5x", updates[0].GetSpeed())
	assert.InDelta(t, 50.0, updates[0].GetProgress(), 0.001)
	assert.Equal(t, "1499.9kbits/s", updates[1].GetCurrentBitrate())
	assert.InDelta(t, 100.0, updates[1].GetProgress(), 0.001)
}

func Test_FfmpegTranscoder_Cancelled(t *testing.T) {
	executor := newTestTranscoder(t, "sleep 5\n", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := executor.Transcode(ctx, &ffmpeg.Plan{Input: "/in/movie.avi.bk", Output: filepath.Join(t.TempDir(), "movie.mkv")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
