package stream

import (
	"math"
	"strings"
)

// Video codecs understood by the encoder adapters.
const (
	CodecH264 = "H264"
	CodecH265 = "H265"
	CodecVP8  = "VP8"
	CodecVP9  = "VP9"
	CodecAV1  = "AV1"
)

// Output container formats.
const (
	FormatMatroska = "matroska"
	FormatNUT      = "nut"
	FormatPCM      = "s16le" // raw signed 16-bit little-endian stereo at 48 kHz
)

// PCM output parameters shared by every source that emits FormatPCM.
const (
	PCMSampleRate = 48000
	PCMChannels   = 2
)

// DefaultUserAgent is sent with HTTP inputs unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.3"

// Options are the encoder options handed to a Factory. Zero values mean
// "unset" and are filled by Merge and Normalize.
type Options struct {
	Width           int               `yaml:"width" mapstructure:"width" json:"width,omitempty"`       // negative = keep aspect ratio
	Height          int               `yaml:"height" mapstructure:"height" json:"height,omitempty"`    // negative = keep aspect ratio
	FrameRate       float64           `yaml:"frame_rate" mapstructure:"frame_rate" json:"frameRate,omitempty"`
	VideoCodec      string            `yaml:"video_codec" mapstructure:"video_codec" json:"videoCodec,omitempty"`
	BitrateVideo    int               `yaml:"bitrate_video" mapstructure:"bitrate_video" json:"bitrateVideo,omitempty"`          // kbps
	BitrateVideoMax int               `yaml:"bitrate_video_max" mapstructure:"bitrate_video_max" json:"bitrateVideoMax,omitempty"` // kbps
	BitrateAudio    int               `yaml:"bitrate_audio" mapstructure:"bitrate_audio" json:"bitrateAudio,omitempty"`          // kbps
	IncludeAudio    *bool             `yaml:"include_audio" mapstructure:"include_audio" json:"includeAudio,omitempty"`
	HardwareDecode  bool              `yaml:"hardware_decode" mapstructure:"hardware_decode" json:"hardwareDecode,omitempty"`
	MinimizeLatency bool              `yaml:"minimize_latency" mapstructure:"minimize_latency" json:"minimizeLatency,omitempty"`
	H26xPreset      string            `yaml:"h26x_preset" mapstructure:"h26x_preset" json:"h26xPreset,omitempty"`
	CustomHeaders   map[string]string `yaml:"custom_headers" mapstructure:"custom_headers" json:"customHeaders,omitempty"`
	CopyCodec       bool              `yaml:"copy_codec" mapstructure:"copy_codec" json:"copyCodec,omitempty"`
	Realtime        bool              `yaml:"realtime" mapstructure:"realtime" json:"realtime,omitempty"` // input is live, do not pace reads
	Format          string            `yaml:"format" mapstructure:"format" json:"format,omitempty"`
}

// DefaultOptions returns the encoder defaults.
func DefaultOptions() Options {
	includeAudio := true
	return Options{
		Width:           -2,
		Height:          -2,
		VideoCodec:      CodecH264,
		BitrateVideo:    5000,
		BitrateVideoMax: 7000,
		BitrateAudio:    128,
		IncludeAudio:    &includeAudio,
		H26xPreset:      "ultrafast",
		Format:          FormatMatroska,
		CustomHeaders: map[string]string{
			"User-Agent": DefaultUserAgent,
			"Connection": "keep-alive",
		},
	}
}

// Merge returns o with every unset field taken from base. Headers are merged
// key by key with o winning.
func (o Options) Merge(base Options) Options {
	out := o
	if o.Width == 0 {
		out.Width = base.Width
	}
	if o.Height == 0 {
		out.Height = base.Height
	}
	if !positiveFinite(o.FrameRate) {
		out.FrameRate = base.FrameRate
	}
	if o.VideoCodec == "" {
		out.VideoCodec = base.VideoCodec
	}
	if o.BitrateVideo <= 0 {
		out.BitrateVideo = base.BitrateVideo
	}
	if o.BitrateVideoMax <= 0 {
		out.BitrateVideoMax = base.BitrateVideoMax
	}
	if o.BitrateAudio <= 0 {
		out.BitrateAudio = base.BitrateAudio
	}
	if o.IncludeAudio == nil {
		out.IncludeAudio = base.IncludeAudio
	}
	out.HardwareDecode = o.HardwareDecode || base.HardwareDecode
	out.MinimizeLatency = o.MinimizeLatency || base.MinimizeLatency
	out.CopyCodec = o.CopyCodec || base.CopyCodec
	out.Realtime = o.Realtime || base.Realtime
	if o.H26xPreset == "" {
		out.H26xPreset = base.H26xPreset
	}
	if o.Format == "" {
		out.Format = base.Format
	}
	out.CustomHeaders = make(map[string]string, len(base.CustomHeaders)+len(o.CustomHeaders))
	for k, v := range base.CustomHeaders {
		out.CustomHeaders[k] = v
	}
	for k, v := range o.CustomHeaders {
		out.CustomHeaders[k] = v
	}
	out.VideoCodec = strings.ToUpper(out.VideoCodec)
	out.Format = strings.ToLower(out.Format)
	return out
}

// Normalize fills every unset field from DefaultOptions.
func (o Options) Normalize() Options {
	return o.Merge(DefaultOptions())
}

// IsPCM reports whether the output is raw PCM audio.
func (o Options) IsPCM() bool {
	return o.Format == FormatPCM
}

// AudioEnabled reports whether audio should be included.
func (o Options) AudioEnabled() bool {
	return o.IncludeAudio == nil || *o.IncludeAudio
}

func positiveFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
