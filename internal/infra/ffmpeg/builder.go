// Package ffmpeg runs ffmpeg subprocesses as stream sources.
package ffmpeg

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/osa030/19cast/internal/domain/stream"
)

// StdinInput makes ffmpeg read its input from stdin.
const StdinInput = "pipe:0"

// Builder constructs ffmpeg command lines from encoder options.
type Builder struct {
	LogLevel string // ffmpeg -loglevel value
}

// Args returns the full argument list that reads input and writes the
// encoded stream to stdout.
func (b Builder) Args(input string, opts stream.Options) []string {
	args := b.globalArgs()
	args = append(args, InputArgs(input, opts)...)
	args = append(args, "-i", input)
	args = append(args, OutputArgs(opts, opts.CopyCodec)...)
	return args
}

func (b Builder) globalArgs() []string {
	level := b.LogLevel
	if level == "" {
		level = "error"
	}
	return []string{"-hide_banner", "-loglevel", level}
}

// InputArgs returns the options placed before -i.
func InputArgs(input string, opts stream.Options) []string {
	var args []string

	if opts.HardwareDecode {
		args = append(args, "-hwaccel", "auto")
	}
	if opts.MinimizeLatency {
		args = append(args, "-fflags", "nobuffer", "-analyzeduration", "0")
	}
	args = append(args,
		"-flags", "low_delay",
		"-thread_queue_size", "4096",
		"-fflags", "flush_packets",
		"-flush_packets", "1",
	)

	lower := strings.ToLower(input)
	if strings.HasPrefix(lower, "rtsp://") {
		args = append(args, "-buffer_size", "4194304", "-err_detect", "ignore_err")
	}
	if isHTTP(lower) {
		if h := headerBlock(opts.CustomHeaders); h != "" {
			args = append(args, "-headers", h)
		}
		if !isHLS(lower) {
			args = append(args,
				"-reconnect", "1",
				"-reconnect_at_eof", "1",
				"-reconnect_streamed", "1",
				"-reconnect_delay_max", "4294",
			)
		}
	}
	if !opts.Realtime {
		args = append(args, "-re")
	}
	return args
}

// OutputArgs returns the options placed after -i, ending with the stdout
// target.
func OutputArgs(opts stream.Options, copyVideo bool) []string {
	if opts.IsPCM() {
		return []string{
			"-vn",
			"-map", "0:a?",
			"-ac", strconv.Itoa(stream.PCMChannels),
			"-ar", strconv.Itoa(stream.PCMSampleRate),
			"-c:a", "pcm_s16le",
			"-f", stream.FormatPCM,
			"pipe:1",
		}
	}

	args := []string{"-map", "0:v?"}
	if copyVideo {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, videoArgs(opts)...)
	}

	if opts.AudioEnabled() {
		args = append(args,
			"-map", "0:a?",
			"-ac", strconv.Itoa(stream.PCMChannels),
			"-lfe_mix_level", "1",
			"-ar", strconv.Itoa(stream.PCMSampleRate),
			"-c:a", "libopus",
			"-b:a", fmt.Sprintf("%dk", opts.BitrateAudio),
		)
	} else {
		args = append(args, "-an")
	}

	format := opts.Format
	if format == "" {
		format = stream.FormatMatroska
	}
	return append(args, "-f", format, "pipe:1")
}

func videoArgs(opts stream.Options) []string {
	args := []string{"-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height)}
	if opts.FrameRate > 0 {
		args = append(args, "-r", strconv.FormatFloat(opts.FrameRate, 'f', -1, 64))
	}
	args = append(args,
		"-b:v", fmt.Sprintf("%dk", opts.BitrateVideo),
		"-maxrate:v", fmt.Sprintf("%dk", opts.BitrateVideoMax),
		"-bf", "0",
		"-pix_fmt", "yuv420p",
		"-force_key_frames", "expr:gte(t,n_forced*1)",
	)

	switch opts.VideoCodec {
	case stream.CodecAV1:
		args = append(args, "-c:v", "libsvtav1")
	case stream.CodecVP8:
		args = append(args, "-c:v", "libvpx", "-deadline", "realtime")
	case stream.CodecVP9:
		args = append(args, "-c:v", "libvpx-vp9", "-deadline", "realtime")
	case stream.CodecH265:
		args = append(args, "-c:v", "libx265", "-tune", "zerolatency", "-preset", opts.H26xPreset, "-profile:v", "main")
	default:
		args = append(args, "-c:v", "libx264", "-tune", "zerolatency", "-preset", opts.H26xPreset, "-profile:v", "baseline", "-forced-idr", "1")
	}
	return args
}

// headerBlock renders headers as a CRLF-terminated block, sorted by name.
func headerBlock(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := lo.Keys(headers)
	slices.Sort(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(headers[k])
		sb.WriteString("\r\n")
	}
	return sb.String()
}

func isHTTP(lower string) bool {
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func isHLS(lower string) bool {
	return strings.Contains(lower, "m3u")
}
